package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type UserType string

const (
	UserClient   UserType = "client"
	UserDriver   UserType = "driver"
	UserAdmin    UserType = "admin"
	UserEmployee UserType = "employee"
)

type DeviceInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// Connection is one live bidirectional link between a device and the backend.
// A user may hold several at once (multi-device).
type Connection struct {
	ID           string     `json:"connection_id"`
	UserID       string     `json:"user_id"`
	UserType     UserType   `json:"user_type"`
	Device       DeviceInfo `json:"device_info"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

func (c Connection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideArrived    RideStatus = "arrived"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
	RideExpired    RideStatus = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled || s == RideExpired
}

type Ride struct {
	ID              string     `json:"ride_id"`
	ClientID        string     `json:"client_id"`
	DriverID        string     `json:"driver_id,omitempty"` // empty until accepted
	Status          RideStatus `json:"status"`
	Pickup          Coord      `json:"pickup"`
	Dropoff         Coord      `json:"dropoff"`
	VehicleType     string     `json:"vehicle_type"`
	DriverLocation  *Coord     `json:"driver_location,omitempty"`
	PaymentRef      string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusUpdatedAt time.Time  `json:"status_updated_at"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// RideRequest is an offer made to one candidate driver for one ride,
// keyed by the (RideID, DriverID) pair.
type RideRequest struct {
	RideID       string        `json:"ride_id"`
	DriverID     string        `json:"driver_id"`
	Status       RequestStatus `json:"status"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Pickup       Coord         `json:"pickup"`
	Dropoff      Coord         `json:"dropoff"`
	VehicleType  string        `json:"vehicle_type"`
	CreatedAt    time.Time     `json:"created_at"`
}

const CancelReasonDriverOffline = "driver_went_offline"

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
	DriverBusy    DriverStatus = "busy"
	DriverOnRide  DriverStatus = "on_ride"
)

type DriverPresence struct {
	DriverID   string       `json:"driver_id"`
	Status     DriverStatus `json:"status"`
	Available  bool         `json:"available"`
	Location   *Coord       `json:"location,omitempty"`
	Heading    float64      `json:"heading,omitempty"`
	Speed      float64      `json:"speed,omitempty"`
	LastUpdate time.Time    `json:"last_update"`
}

// Envelope is the wire shape shared by inbound client messages and
// outbound pushes: an action tag, an opaque payload, and a timestamp.
type Envelope struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEnvelope(action string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Action: action, Data: b, Timestamp: time.Now().UTC()}, nil
}
