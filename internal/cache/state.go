package cache

import (
	"errors"
	"time"

	"bestguess/internal/leaderboard"
)

// Currency is a player-held balance type. Gold is the wagered currency;
// gems are the premium currency.
type Currency string

const (
	CurrencyGold Currency = "gold"
	CurrencyGem  Currency = "gem"
)

// ErrInsufficientBalance is returned by Spend when the post-mutation balance
// would go negative. Terminal and user-visible.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Stats carries per-period counters. Daily and weekly counters reset lazily
// on the first read past a period boundary; the reset is idempotent.
type Stats struct {
	TotalGoldEarn  int64 `json:"total_gold_earn"`
	DailyGoldEarn  int64 `json:"daily_gold_earn"`
	WeeklyGoldEarn int64 `json:"weekly_gold_earn"`

	TotalGoldLose  int64 `json:"total_gold_lose"`
	DailyGoldLose  int64 `json:"daily_gold_lose"`
	WeeklyGoldLose int64 `json:"weekly_gold_lose"`

	TotalGameWin  int64 `json:"total_game_win"`
	DailyGameWin  int64 `json:"daily_game_win"`
	WeeklyGameWin int64 `json:"weekly_game_win"`

	TotalGameLose  int64 `json:"total_game_lose"`
	DailyGameLose  int64 `json:"daily_game_lose"`
	WeeklyGameLose int64 `json:"weekly_game_lose"`

	TotalGoldChange  int64 `json:"total_gold_change"`
	DailyGoldChange  int64 `json:"daily_gold_change"`
	WeeklyGoldChange int64 `json:"weekly_gold_change"`

	DailyGames int64 `json:"daily_games"`

	DailyResetAt  time.Time `json:"daily_reset_at"`
	WeeklyResetAt time.Time `json:"weekly_reset_at"`
}

// QuestProgress tracks one quest for one player.
type QuestProgress struct {
	QuestID   int   `json:"quest_id"`
	Amount    int64 `json:"amount"`
	Claimable bool  `json:"claimable"`
	Claimed   bool  `json:"claimed"`
}

// AchievementProgress tracks one achievement for one player.
type AchievementProgress struct {
	AchievementID int   `json:"achievement_id"`
	Amount        int64 `json:"amount"`
	Claimable     bool  `json:"claimable"`
	Claimed       bool  `json:"claimed"`
}

// CouponUsage records which coupons a player has consumed and how many
// failed redemption attempts remain today.
type CouponUsage struct {
	Codes             []string `json:"codes"`
	Types             []string `json:"types"`
	AttemptsRemaining int      `json:"attempts_remaining"`
}

// PlayerState is the one mutable per-player document held in the shared
// cache. All mutations happen under the player's lock lease; the document is
// written back after every mutation and periodically flushed to durable
// storage by the owning collaborator.
type PlayerState struct {
	PlayerID      string    `json:"player_id"`
	DisplayName   string    `json:"display_name"`
	WalletAddress string    `json:"wallet_address"`
	Gold          int64     `json:"gold"`
	Gem           int64     `json:"gem"`
	Stats         Stats     `json:"stats"`
	DailyQuests   []QuestProgress       `json:"daily_quests"`
	Achievements  []AchievementProgress `json:"achievements"`
	Coupons       CouponUsage           `json:"coupons"`
	PendingItx    []string              `json:"pending_itx"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// NewPlayerState creates the document written on first login.
func NewPlayerState(playerID, displayName string, cat *Catalog, now time.Time) *PlayerState {
	s := &PlayerState{
		PlayerID:    playerID,
		DisplayName: displayName,
		UpdatedAt:   now,
	}
	s.Stats.DailyResetAt = StartOfDay(now, cat.Params.BoundaryHour)
	s.Stats.WeeklyResetAt = StartOfWeek(now, cat.Params.BoundaryHour)
	s.Coupons.AttemptsRemaining = cat.Params.CouponDailyAttempts
	for _, q := range cat.DailyQuests {
		s.DailyQuests = append(s.DailyQuests, QuestProgress{QuestID: q.QuestID})
	}
	for _, a := range cat.Achievements {
		s.Achievements = append(s.Achievements, AchievementProgress{AchievementID: a.AchievementID})
	}
	return s
}

// StartOfDay returns the most recent daily boundary at boundaryHour o'clock.
// A clock before the boundary hour still belongs to yesterday's period.
func StartOfDay(now time.Time, boundaryHour int) time.Time {
	d := now
	if now.Hour() < boundaryHour {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), boundaryHour, 0, 0, 0, d.Location())
}

// StartOfWeek returns the most recent weekly boundary (Sunday at
// boundaryHour o'clock).
func StartOfWeek(now time.Time, boundaryHour int) time.Time {
	d := StartOfDay(now, boundaryHour)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

// ApplyPeriodResets zeroes daily/weekly counters when their reset timestamp
// is not in the current period. Called on every read; applying it twice past
// the same boundary is a no-op.
func (s *PlayerState) ApplyPeriodResets(now time.Time, boundaryHour int) (daily, weekly bool) {
	dayStart := StartOfDay(now, boundaryHour)
	if s.Stats.DailyResetAt.Before(dayStart) {
		s.Stats.DailyGoldEarn = 0
		s.Stats.DailyGoldLose = 0
		s.Stats.DailyGameWin = 0
		s.Stats.DailyGameLose = 0
		s.Stats.DailyGoldChange = 0
		s.Stats.DailyGames = 0
		s.Stats.DailyResetAt = dayStart
		s.resetDailyQuests()
		daily = true
	}

	weekStart := StartOfWeek(now, boundaryHour)
	if s.Stats.WeeklyResetAt.Before(weekStart) {
		s.Stats.WeeklyGoldEarn = 0
		s.Stats.WeeklyGoldLose = 0
		s.Stats.WeeklyGameWin = 0
		s.Stats.WeeklyGameLose = 0
		s.Stats.WeeklyGoldChange = 0
		s.Stats.WeeklyResetAt = weekStart
		weekly = true
	}
	return daily, weekly
}

func (s *PlayerState) resetDailyQuests() {
	for i := range s.DailyQuests {
		s.DailyQuests[i].Amount = 0
		s.DailyQuests[i].Claimable = false
		s.DailyQuests[i].Claimed = false
	}
}

// Balance returns the current amount of one currency.
func (s *PlayerState) Balance(c Currency) int64 {
	if c == CurrencyGem {
		return s.Gem
	}
	return s.Gold
}

// Earn credits amount of currency. Zero or negative amounts are no-ops.
// Gold earnings also feed the per-period earn counters.
func (s *PlayerState) Earn(c Currency, amount int64) {
	if amount <= 0 {
		return
	}
	switch c {
	case CurrencyGem:
		s.Gem += amount
	default:
		s.Gold += amount
		s.Stats.TotalGoldEarn += amount
		s.Stats.DailyGoldEarn += amount
		s.Stats.WeeklyGoldEarn += amount
	}
}

// Spend debits amount of currency, failing with ErrInsufficientBalance when
// the balance would go negative. Zero or negative amounts are no-ops.
func (s *PlayerState) Spend(c Currency, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if s.Balance(c) < amount {
		return ErrInsufficientBalance
	}
	switch c {
	case CurrencyGem:
		s.Gem -= amount
	default:
		s.Gold -= amount
	}
	return nil
}

// BoardDelta is one leaderboard increment owed for a state change. The
// settlement pipeline forwards these to the leaderboard engine after the
// balance mutation is durably applied.
type BoardDelta struct {
	Board leaderboard.Board
	Delta int64
}

// SettlementOutcome is returned by ApplySettlement so the caller can see
// what changed and which leaderboard increments to emit.
type SettlementOutcome struct {
	GoldDelta    int64
	BoardDeltas  []BoardDelta
	QuestUpdates []QuestProgress
}

// ApplySettlement applies one settled round to this player's state: the
// winner is credited the payout, a loser's stake was already debited at
// placement so only counters move. Emits exactly one board delta per
// affected ranking type.
func (s *PlayerState) ApplySettlement(cat *Catalog, won bool, amount int64) SettlementOutcome {
	var out SettlementOutcome
	if amount < 0 {
		return out
	}

	if won {
		s.Gold += amount
		s.Stats.TotalGoldEarn += amount
		s.Stats.DailyGoldEarn += amount
		s.Stats.WeeklyGoldEarn += amount
		s.Stats.TotalGameWin++
		s.Stats.DailyGameWin++
		s.Stats.WeeklyGameWin++
		s.Stats.TotalGoldChange += amount
		s.Stats.DailyGoldChange += amount
		s.Stats.WeeklyGoldChange += amount
		out.GoldDelta = amount
		out.BoardDeltas = []BoardDelta{
			{leaderboard.TotalGoldChange, amount},
			{leaderboard.DailyGoldChange, amount},
			{leaderboard.WeeklyGoldChange, amount},
			{leaderboard.TotalGoldEarn, amount},
			{leaderboard.DailyGoldEarn, amount},
			{leaderboard.WeeklyGoldEarn, amount},
			{leaderboard.TotalGameWin, 1},
			{leaderboard.DailyGameWin, 1},
			{leaderboard.WeeklyGameWin, 1},
		}
		out.QuestUpdates = s.UpdateDailyQuestProgress(cat, QuestTypeDailyWin, s.Stats.DailyGameWin)
		s.UpdateAchievementProgress(cat, AchievementTypeGameWin, 1)
	} else {
		s.Stats.TotalGoldLose += amount
		s.Stats.DailyGoldLose += amount
		s.Stats.WeeklyGoldLose += amount
		s.Stats.TotalGameLose++
		s.Stats.DailyGameLose++
		s.Stats.WeeklyGameLose++
		s.Stats.TotalGoldChange -= amount
		s.Stats.DailyGoldChange -= amount
		s.Stats.WeeklyGoldChange -= amount
		out.BoardDeltas = []BoardDelta{
			{leaderboard.TotalGoldChange, -amount},
			{leaderboard.DailyGoldChange, -amount},
			{leaderboard.WeeklyGoldChange, -amount},
			{leaderboard.TotalGoldLose, amount},
			{leaderboard.DailyGoldLose, amount},
			{leaderboard.WeeklyGoldLose, amount},
			{leaderboard.TotalGameLose, 1},
			{leaderboard.DailyGameLose, 1},
			{leaderboard.WeeklyGameLose, 1},
		}
	}

	s.Stats.DailyGames++
	out.QuestUpdates = append(out.QuestUpdates,
		s.UpdateDailyQuestProgress(cat, QuestTypeDailyGame, s.Stats.DailyGames)...)
	return out
}

// AddPendingItx records an idempotency key awaiting on-chain confirmation.
// Duplicate keys are absorbed.
func (s *PlayerState) AddPendingItx(itx string) {
	for _, existing := range s.PendingItx {
		if existing == itx {
			return
		}
	}
	s.PendingItx = append(s.PendingItx, itx)
}

// RemovePendingItx drops a confirmed idempotency key. Unknown keys are a
// no-op.
func (s *PlayerState) RemovePendingItx(itx string) {
	for i, existing := range s.PendingItx {
		if existing == itx {
			s.PendingItx = append(s.PendingItx[:i], s.PendingItx[i+1:]...)
			return
		}
	}
}

// HasPendingItx reports whether the key is still awaiting confirmation.
func (s *PlayerState) HasPendingItx(itx string) bool {
	for _, existing := range s.PendingItx {
		if existing == itx {
			return true
		}
	}
	return false
}

// UpdateWallet links a wallet address, overwriting any previous link.
func (s *PlayerState) UpdateWallet(address string) bool {
	if s.WalletAddress == address {
		return false
	}
	s.WalletAddress = address
	return true
}

// UpdateDailyQuestProgress advances every quest of the given type toward its
// target amount and marks reached quests claimable. Returns the quests that
// changed.
func (s *PlayerState) UpdateDailyQuestProgress(cat *Catalog, questType QuestType, amount int64) []QuestProgress {
	var changed []QuestProgress
	for _, def := range cat.QuestsByType(questType) {
		p := s.questByID(def.QuestID)
		if p == nil || p.Claimed || p.Claimable {
			continue
		}
		p.Amount = amount
		if amount >= def.Target {
			p.Claimable = true
		}
		changed = append(changed, *p)
	}
	return changed
}

// UpdateAchievementProgress advances achievements of the given type, capping
// at each definition's target. Returns the achievements that changed.
func (s *PlayerState) UpdateAchievementProgress(cat *Catalog, achType AchievementType, amount int64) []AchievementProgress {
	var changed []AchievementProgress
	for _, def := range cat.AchievementsByType(achType) {
		p := s.achievementByID(def.AchievementID)
		if p == nil || p.Amount >= def.Target {
			continue
		}
		p.Amount += amount
		if p.Amount >= def.Target {
			p.Amount = def.Target
			p.Claimable = true
		}
		changed = append(changed, *p)
	}
	return changed
}

// CanUseCoupon reports whether the code and its type are both unused and the
// player still has redemption attempts today.
func (s *PlayerState) CanUseCoupon(code, couponType string) bool {
	if s.Coupons.AttemptsRemaining <= 0 {
		return false
	}
	for _, c := range s.Coupons.Codes {
		if c == code {
			return false
		}
	}
	for _, t := range s.Coupons.Types {
		if t == couponType {
			return false
		}
	}
	return true
}

// UseCoupon marks the coupon consumed and credits its rewards.
func (s *PlayerState) UseCoupon(cat *Catalog, code, couponType string, rewards map[Currency]int64) {
	s.Coupons.Codes = append(s.Coupons.Codes, code)
	found := false
	for _, t := range s.Coupons.Types {
		if t == couponType {
			found = true
			break
		}
	}
	if !found {
		s.Coupons.Types = append(s.Coupons.Types, couponType)
	}
	for c, amount := range rewards {
		s.Earn(c, amount)
	}
	s.Coupons.AttemptsRemaining = cat.Params.CouponDailyAttempts
}

// RecordCouponFailure burns one redemption attempt.
func (s *PlayerState) RecordCouponFailure() {
	s.Coupons.AttemptsRemaining--
}

func (s *PlayerState) questByID(id int) *QuestProgress {
	for i := range s.DailyQuests {
		if s.DailyQuests[i].QuestID == id {
			return &s.DailyQuests[i]
		}
	}
	return nil
}

func (s *PlayerState) achievementByID(id int) *AchievementProgress {
	for i := range s.Achievements {
		if s.Achievements[i].AchievementID == id {
			return &s.Achievements[i]
		}
	}
	return nil
}
