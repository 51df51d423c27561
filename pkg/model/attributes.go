// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"github.com/spf13/cast"
)

// Attribute keys shared by positions and events. The vocabulary is closed:
// decoders and the pipeline only ever write these keys (plus Custom1..5).
const (
	AttrIgnition   = "ignition"
	AttrMotion     = "motion"
	AttrArmed      = "armed"
	AttrBlocked    = "blocked"
	AttrDoor       = "door"
	AttrCharge     = "charge"
	AttrAlarm      = "alarm"
	AttrStatus     = "status"
	AttrIndex      = "index"
	AttrSatellites = "sat"
	AttrHdop       = "hdop"
	AttrRssi       = "rssi"
	AttrMcc        = "mcc"
	AttrMnc        = "mnc"
	AttrLac        = "lac"
	AttrCid        = "cid"
	AttrPower      = "power"
	AttrBattery    = "battery"
	AttrBatteryLvl = "batteryLevel"
	AttrFuelLevel  = "fuel"
	AttrFuelUsed   = "fuelUsed"
	AttrOdometer   = "odometer"
	AttrDistance   = "distance"
	AttrTotalDist  = "totalDistance"
	AttrHours      = "hours"
	AttrRpm        = "rpm"
	AttrThrottle   = "throttle"
	AttrCoolantT   = "coolantTemp"
	AttrObdSpeed   = "obdSpeed"
	AttrDriverID   = "driverUniqueId"
	AttrGeofences  = "geofenceIds"
	AttrSpeedLimit = "speedLimit"
	AttrBuffer     = "bufferDistance"
	AttrAlertOn    = "alertEnabled"
	AttrOutdated   = "outdated"
	AttrVersionFw  = "versionFw"
	AttrVersionHw  = "versionHw"
	AttrProtocol   = "protocol"
	AttrType       = "type"
	AttrResult     = "result"
	AttrIP         = "ip"
	AttrArchive    = "archive"
	AttrCustom1    = "custom1"
	AttrCustom2    = "custom2"
	AttrCustom3    = "custom3"
	AttrCustom4    = "custom4"
	AttrCustom5    = "custom5"
)

// Alarm attribute values.
const (
	AlarmGeneral      = "general"
	AlarmSOS          = "sos"
	AlarmVibration    = "vibration"
	AlarmMovement     = "movement"
	AlarmLowBattery   = "lowBattery"
	AlarmLowPower     = "lowPower"
	AlarmOverspeed    = "overspeed"
	AlarmPowerCut     = "powerCut"
	AlarmPowerOn      = "powerOn"
	AlarmPowerOff     = "powerOff"
	AlarmTamper       = "tampering"
	AlarmShock        = "shock"
	AlarmGeofence     = "geofence"
	AlarmGeofenceIn   = "geofenceEnter"
	AlarmGeofenceOut  = "geofenceExit"
	AlarmFallDown     = "fallDown"
	AlarmDoor         = "door"
	AlarmAccident     = "accident"
	AlarmBraking      = "hardBraking"
	AlarmAcceleration = "hardAcceleration"
	AlarmCornering    = "hardCornering"
)

// Attributes is the open-ended typed key/value bag carried by positions and
// events. Values are whatever the decoder produced; readers go through the
// coercing accessors.
type Attributes map[string]interface{}

// Bool returns the value stored under key coerced to bool, or def when the
// key is absent or not coercible.
func (a Attributes) Bool(key string, def bool) bool {
	if v, ok := a[key]; ok {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the value stored under key coerced to int64.
func (a Attributes) Int(key string, def int64) int64 {
	if v, ok := a[key]; ok {
		if i, err := cast.ToInt64E(v); err == nil {
			return i
		}
	}
	return def
}

// Float returns the value stored under key coerced to float64.
func (a Attributes) Float(key string, def float64) float64 {
	if v, ok := a[key]; ok {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

// String returns the value stored under key coerced to string.
func (a Attributes) String(key string, def string) string {
	if v, ok := a[key]; ok {
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
	}
	return def
}

// Has reports whether key is present, regardless of its type.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// IntSlice returns the value stored under key as []int64. Geofence id lists
// come back from JSON storage as []interface{}; both shapes are handled.
func (a Attributes) IntSlice(key string) []int64 {
	v, ok := a[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []int64:
		return vv
	case []interface{}:
		out := make([]int64, 0, len(vv))
		for _, e := range vv {
			if i, err := cast.ToInt64E(e); err == nil {
				out = append(out, i)
			}
		}
		return out
	}
	return nil
}

// Copy returns a shallow copy of the bag.
func (a Attributes) Copy() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
