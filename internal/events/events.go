package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Kind tags every event crossing the broker. Each kind has exactly one
// payload shape; consumers switch on the tag instead of sniffing fields.
type Kind string

const (
	KindRideCreated       Kind = "ride-created"
	KindRideStatusChanged Kind = "ride-status-changed"
	KindDriverLocation    Kind = "driver-location-updated"
	KindDriverStatus      Kind = "driver-status-changed"
	KindRideRequested     Kind = "ride-request"
	KindPushNotification  Kind = "push-notification"
)

type RideCreated struct {
	RideID string `json:"ride_id"`
}

type RideStatusChanged struct {
	RideID         string            `json:"ride_id"`
	Status         models.RideStatus `json:"status"`
	PreviousStatus models.RideStatus `json:"previous_status,omitempty"`
}

type DriverLocationUpdated struct {
	DriverID  string       `json:"driver_id"`
	Location  models.Coord `json:"location"`
	Heading   *float64     `json:"heading,omitempty"`
	Speed     *float64     `json:"speed,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type DriverStatusChanged struct {
	DriverID       string              `json:"driver_id"`
	Status         models.DriverStatus `json:"status"`
	PreviousStatus models.DriverStatus `json:"previous_status"`
	Timestamp      time.Time           `json:"timestamp"`
}

type RideRequested struct {
	RideID               string       `json:"ride_id"`
	DriverID             string       `json:"driver_id"`
	Pickup               models.Coord `json:"pickup"`
	Dropoff              models.Coord `json:"dropoff"`
	VehicleType          string       `json:"vehicle_type"`
	PickupDistanceMeters float64      `json:"pickup_distance_meters,omitempty"`
	PickupETASeconds     float64      `json:"pickup_eta_seconds,omitempty"`
}

type PushNotification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// wire envelope: {"type": "...", "payload": {...}}
type wireEvent struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload in the broker wire envelope.
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(wireEvent{Type: kind, Payload: body})
}

// Decode returns the typed payload for a wire event. Unknown kinds are an
// error so the consumer can count and drop them.
func Decode(raw []byte) (Kind, any, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", nil, fmt.Errorf("decode event envelope: %w", err)
	}
	var payload any
	switch w.Type {
	case KindRideCreated:
		payload = &RideCreated{}
	case KindRideStatusChanged:
		payload = &RideStatusChanged{}
	case KindDriverLocation:
		payload = &DriverLocationUpdated{}
	case KindDriverStatus:
		payload = &DriverStatusChanged{}
	case KindRideRequested:
		payload = &RideRequested{}
	case KindPushNotification:
		payload = &PushNotification{}
	default:
		return w.Type, nil, fmt.Errorf("unknown event type %q", w.Type)
	}
	if err := json.Unmarshal(w.Payload, payload); err != nil {
		return w.Type, nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return w.Type, payload, nil
}
