package model

import (
	"time"

	"github.com/google/uuid"
)

// ExpiryOutcome は期限切れ判定1回分の結果の種類です
// ログの event フィールドやメトリクスのラベルにもそのまま使われます
type ExpiryOutcome string

const (
	ExpiryOutcomeNotFound      ExpiryOutcome = "not_found"
	ExpiryOutcomeStatusChanged ExpiryOutcome = "status_changed"
	ExpiryOutcomeSourceSkipped ExpiryOutcome = "source_skipped"
	ExpiryOutcomeRescheduled   ExpiryOutcome = "rescheduled"
	ExpiryOutcomeExpired       ExpiryOutcome = "expired"
	// ExpiryOutcomeRaceLost は条件付き更新の時点で既にpendingでなかったことを表します
	// エラーではなく何もしなかった扱いです
	ExpiryOutcomeRaceLost ExpiryOutcome = "race_lost"
)

// ExpiryDecision は Evaluate の判定結果です
type ExpiryDecision struct {
	ReservationID uuid.UUID
	Outcome       ExpiryOutcome
	// Status は判定時点で読み取ったステータスです (not_found の場合は空)
	Status ReservationStatus
	// FireAt と Delay は rescheduled の場合のみ設定されます
	FireAt time.Time
	Delay  time.Duration
}

// SweepResult は定期スイープ1回分の集計です
type SweepResult struct {
	Scanned  int
	Expired  int
	Skipped  int
	RaceLost int
	Failed   int
	Duration time.Duration
	Events   []ReservationExpiredEvent
}

// ExpiryCheck は遅延実行キューに積まれた期限切れチェックです
type ExpiryCheck struct {
	ID            int64      `db:"id"`
	ReservationID uuid.UUID  `db:"reservation_id"`
	VisibleAfter  time.Time  `db:"visible_after"`
	Attempts      int        `db:"attempts"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     *time.Time `db:"updated_at"`
}
