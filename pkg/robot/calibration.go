package robot

// ServoCalibration holds the raw position range of a bus servo.
type ServoCalibration struct {
	ID           int `yaml:"id" json:"id"`
	DriveMode    int `yaml:"drive_mode" json:"drive_mode"`
	HomingOffset int `yaml:"homing_offset" json:"homing_offset"`
	RangeMin     int `yaml:"range_min" json:"range_min"`
	RangeMax     int `yaml:"range_max" json:"range_max"`
}

// Calibration holds calibration data for all servos, keyed by servo name.
type Calibration map[string]ServoCalibration

// Normalize converts a raw servo position to a value in [-100, 100].
func (c ServoCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-c.RangeMin)/rangeSize)*200 - 100
}

// Denormalize converts a value in [-100, 100] to a raw servo position.
func (c ServoCalibration) Denormalize(norm float64) int {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// AngleToRaw maps an angle within spec's degree range onto the
// calibrated raw range. DriveMode 1 reverses the direction.
func (c ServoCalibration) AngleToRaw(spec ServoSpec, deg float64) int {
	span := spec.MaxDeg - spec.MinDeg
	if span == 0 {
		return c.Denormalize(0)
	}
	norm := (deg-spec.MinDeg)/span*200 - 100
	if norm < -100 {
		norm = -100
	} else if norm > 100 {
		norm = 100
	}
	if c.DriveMode == 1 {
		norm = -norm
	}
	return c.Denormalize(norm)
}

// IDs returns servo IDs in the order of specs. Specs without
// calibration are skipped.
func (c Calibration) IDs(specs []ServoSpec) []int {
	ids := make([]int, 0, len(c))
	for _, s := range specs {
		if sc, ok := c[s.Name]; ok {
			ids = append(ids, sc.ID)
		}
	}
	return ids
}

// ByID returns servo name and calibration for a given bus ID.
func (c Calibration) ByID(id int) (string, ServoCalibration, bool) {
	for name, sc := range c {
		if sc.ID == id {
			return name, sc, true
		}
	}
	return "", ServoCalibration{}, false
}
