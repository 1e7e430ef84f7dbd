package cache

// QuestType names a daily-quest progress dimension.
type QuestType string

const (
	QuestTypeDailyWin  QuestType = "daily_win"
	QuestTypeDailyGame QuestType = "daily_game"
)

// AchievementType names an achievement progress dimension.
type AchievementType string

const (
	AchievementTypeGemConsumption AchievementType = "gem_consumption"
	AchievementTypeGameWin        AchievementType = "game_win"
)

// QuestDef is one quest definition from the game catalog.
type QuestDef struct {
	QuestID        int
	Type           QuestType
	Target         int64
	RewardCurrency Currency
	RewardAmount   int64
}

// AchievementDef is one achievement definition from the game catalog.
type AchievementDef struct {
	AchievementID  int
	Type           AchievementType
	Target         int64
	RewardCurrency Currency
	RewardAmount   int64
}

// GameParams carries the tunables the cache layer needs.
type GameParams struct {
	// BoundaryHour is the local hour at which daily and weekly periods roll
	// over (timezone-configurable per deployment).
	BoundaryHour int

	// CouponDailyAttempts is the failed-redemption budget restored each time
	// a coupon is successfully used.
	CouponDailyAttempts int
}

// Catalog is the read-only quest/achievement catalog snapshot injected into
// mutators at call time. The owning collaborator swaps the whole snapshot on
// a version-change signal; this core never mutates it.
type Catalog struct {
	DailyQuests  []QuestDef
	Achievements []AchievementDef
	Params       GameParams
}

// DefaultCatalog returns an empty catalog with sane parameters, used when
// the owning collaborator has not pushed a snapshot yet.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Params: GameParams{
			BoundaryHour:        0,
			CouponDailyAttempts: 3,
		},
	}
}

// QuestsByType returns definitions matching the given type.
func (c *Catalog) QuestsByType(t QuestType) []QuestDef {
	var defs []QuestDef
	for _, q := range c.DailyQuests {
		if q.Type == t {
			defs = append(defs, q)
		}
	}
	return defs
}

// AchievementsByType returns definitions matching the given type.
func (c *Catalog) AchievementsByType(t AchievementType) []AchievementDef {
	var defs []AchievementDef
	for _, a := range c.Achievements {
		if a.Type == t {
			defs = append(defs, a)
		}
	}
	return defs
}
