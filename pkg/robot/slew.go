package robot

import "math"

// Slew bounds how far a target may move in one control tick.
type Slew struct {
	MotorStep int16   // max |Δ| per tick in motor speed units
	ServoStep float64 // max |Δ| per tick in degrees
}

// NewSlew converts a per-tick motor fraction of full scale and a per-tick
// servo step in degrees into a Slew. Non-positive values disable limiting
// for that actuator class.
func NewSlew(motorFraction, servoDeg float64) Slew {
	s := Slew{ServoStep: servoDeg}
	if motorFraction > 0 {
		step := math.Round(motorFraction * FullScale)
		if step < 1 {
			step = 1
		}
		if step > FullScale {
			step = FullScale
		}
		s.MotorStep = int16(step)
	}
	return s
}

// Limit moves prev toward next by at most one step per value. Values
// present in next but not in prev are taken from next unchanged.
func (s Slew) Limit(prev, next Target) Target {
	out := next.Clone()
	if s.MotorStep > 0 {
		for i := range out.MotorSpeeds {
			if i >= len(prev.MotorSpeeds) {
				break
			}
			out.MotorSpeeds[i] = stepInt16(prev.MotorSpeeds[i], out.MotorSpeeds[i], s.MotorStep)
		}
	}
	if s.ServoStep > 0 {
		for i := range out.ServoAngles {
			if i >= len(prev.ServoAngles) {
				break
			}
			out.ServoAngles[i] = stepFloat(prev.ServoAngles[i], out.ServoAngles[i], s.ServoStep)
		}
	}
	return out
}

func stepInt16(from, to, limit int16) int16 {
	d := int32(to) - int32(from)
	if d > int32(limit) {
		return int16(int32(from) + int32(limit))
	}
	if d < -int32(limit) {
		return int16(int32(from) - int32(limit))
	}
	return to
}

func stepFloat(from, to, limit float64) float64 {
	switch d := to - from; {
	case d > limit:
		return from + limit
	case d < -limit:
		return from - limit
	}
	return to
}
