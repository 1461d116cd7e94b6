package models

import "time"

type SizeClass string

const (
	SizeSmall      SizeClass = "small"
	SizeMedium     SizeClass = "medium"
	SizeLarge      SizeClass = "large"
	SizeExtraLarge SizeClass = "extra_large"
)

func (s SizeClass) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, SizeExtraLarge:
		return true
	}
	return false
}

type LocationStatus string

const (
	LocationActive      LocationStatus = "active"
	LocationInactive    LocationStatus = "inactive"
	LocationMaintenance LocationStatus = "maintenance"
)

type LockerStatus string

const (
	LockerOperational LockerStatus = "operational"
	LockerMaintenance LockerStatus = "maintenance"
	LockerOffline     LockerStatus = "offline"
)

type SlotStatus string

const (
	SlotAvailable   SlotStatus = "AVAILABLE"
	SlotReserved    SlotStatus = "RESERVED"
	SlotOccupied    SlotStatus = "OCCUPIED"
	SlotMaintenance SlotStatus = "MAINTENANCE"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationDelivered ReservationStatus = "DELIVERED"
	ReservationPickedUp  ReservationStatus = "PICKED_UP"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

type Location struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status LocationStatus `json:"status"`
}

type Locker struct {
	ID         string       `json:"id"`
	LocationID string       `json:"location_id"`
	Status     LockerStatus `json:"status"`
	TotalSlots int          `json:"total_slots"`
}

type Slot struct {
	ID       string     `json:"id"`
	LockerID string     `json:"locker_id"`
	Size     SizeClass  `json:"size"`
	Status   SlotStatus `json:"status"`
}

type Parcel struct {
	TrackingNumber string    `json:"tracking_number"`
	Size           SizeClass `json:"size"`
	RecipientName  string    `json:"recipient_name"`
	RecipientPhone string    `json:"recipient_phone"`
}

type Reservation struct {
	ID             string            `json:"id"`
	TrackingNumber string            `json:"tracking_number"`
	RecipientName  string            `json:"recipient_name"`
	RecipientPhone string            `json:"recipient_phone"`
	Size           SizeClass         `json:"size"`
	SlotID         string            `json:"slot_id"`
	PickupCode     string            `json:"pickup_code"`
	PIN            string            `json:"pin,omitempty"`
	Status         ReservationStatus `json:"status"`
	ReservedAt     time.Time         `json:"reserved_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	DeliveredAt    time.Time         `json:"delivered_at,omitempty"`
	PickedUpAt     time.Time         `json:"picked_up_at,omitempty"`
	CancelledAt    time.Time         `json:"cancelled_at,omitempty"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
}

// Terminal reports whether the reservation no longer holds its slot.
func (r *Reservation) Terminal() bool {
	switch r.Status {
	case ReservationPickedUp, ReservationExpired, ReservationCancelled:
		return true
	}
	return false
}

func (r *Reservation) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// SlotCriteria narrows the pool a claim draws from.
type SlotCriteria struct {
	LocationID string
	Size       SizeClass
}

// SlotRef identifies a claimed compartment for callers outside the engine.
type SlotRef struct {
	SlotID     string `json:"slot_id"`
	LockerID   string `json:"locker_id"`
	LocationID string `json:"location_id"`
}

// Capacity is a per-location breakdown of slot counts by size and status.
type Capacity map[SizeClass]map[SlotStatus]int

func (c Capacity) Add(size SizeClass, status SlotStatus) {
	if c[size] == nil {
		c[size] = make(map[SlotStatus]int)
	}
	c[size][status]++
}
