package physics

import (
	"errors"
	"fmt"
	"math"
)

// Magnus-Tetens coefficients.
const (
	magnusA = 17.27
	magnusB = 237.7

	minHumidity = 1.0
)

var ErrDewPointSingularity = errors.New("dew point singularity")

// DewPoint estimates the dew point in °C from air temperature and relative
// humidity in percent. Humidity below 1% is clamped to 1%.
func DewPoint(temp, humidity float64) (float64, error) {
	if humidity < minHumidity {
		humidity = minHumidity
	}
	if magnusB+temp == 0 {
		return 0, fmt.Errorf("%w: temperature %.2f°C", ErrDewPointSingularity, temp)
	}

	alpha := (magnusA*temp)/(magnusB+temp) + math.Log(humidity/100.0)
	dp, err := dewPointFromAlpha(alpha)
	if err != nil {
		return 0, fmt.Errorf("%w: temperature %.2f°C humidity %.1f%%", err, temp, humidity)
	}
	return dp, nil
}

// dewPointFromAlpha inverts the Magnus term alpha back to a temperature.
func dewPointFromAlpha(alpha float64) (float64, error) {
	den := magnusA - alpha
	if den == 0 {
		return 0, ErrDewPointSingularity
	}
	dp := (magnusB * alpha) / den
	if math.IsNaN(dp) || math.IsInf(dp, 0) {
		return 0, fmt.Errorf("%w: non-finite result", ErrDewPointSingularity)
	}
	return dp, nil
}
