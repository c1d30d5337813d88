package model

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus は予約のステータスを表します
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCompleted ReservationStatus = "completed"
	ReservationStatusCanceled  ReservationStatus = "canceled"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// ReservationSource は予約の作成経路を表します
// 作成後に変更されることはありません
type ReservationSource string

const (
	// ReservationSourceWeb はセルフサービス(顧客向けAPI)で作成された予約です
	ReservationSourceWeb ReservationSource = "web"
	// ReservationSourceAgent はバックオフィスで担当者が作成した予約です
	ReservationSourceAgent ReservationSource = "agent"
)

// Reservation は予約レコードのうち、期限切れ判定に必要な項目を表します
// updated_at は永続化層が書き込みのたびに更新する最終アクティビティ時刻です
type Reservation struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	UID        string            `db:"uid" json:"uid"`
	CustomerID uuid.UUID         `db:"customer_id" json:"customer_id"`
	VehicleID  uuid.UUID         `db:"vehicle_id" json:"vehicle_id"`
	TeamID     uuid.UUID         `db:"team_id" json:"team_id"`
	Status     ReservationStatus `db:"status" json:"status"`
	Source     ReservationSource `db:"reservation_source" json:"source"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updated_at"`
}

// IsPending は予約が確定待ちかどうかを返します
func (r Reservation) IsPending() bool {
	return r.Status == ReservationStatusPending
}

// IsAutoExpirable は自動失効の対象となる作成経路かどうかを返します
// 担当者が作成した予約は自動失効させません
func (r Reservation) IsAutoExpirable() bool {
	return r.Source == ReservationSourceWeb
}

// ExpireAt は最終アクティビティから window 経過した時刻を返します
func (r Reservation) ExpireAt(window time.Duration) time.Time {
	return r.UpdatedAt.Add(window)
}

// ReservationExpiredEvent は予約の失効時に発行されるイベントの構造体
// スイープバッチの結果としてStep Functionsへ返却されます
type ReservationExpiredEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	UID           string    `json:"uid"`
	CustomerID    uuid.UUID `json:"customer_id"`
	VehicleID     uuid.UUID `json:"vehicle_id"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// NewReservationExpiredEvent は予約から失効イベントを作成します
func NewReservationExpiredEvent(r Reservation, expiredAt time.Time) ReservationExpiredEvent {
	return ReservationExpiredEvent{
		ReservationID: r.ID,
		UID:           r.UID,
		CustomerID:    r.CustomerID,
		VehicleID:     r.VehicleID,
		ExpiredAt:     expiredAt,
	}
}
