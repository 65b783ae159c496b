package physics

// DefaultLapseRate is the temperature drop in °C per 100 m of elevation gain.
const DefaultLapseRate = 0.65

// Correct moves a temperature from baseAltitude to targetAltitude using the
// default lapse rate. A lower target warms the value.
func Correct(baseTemp, baseAltitude, targetAltitude float64) float64 {
	return CorrectWithRate(baseTemp, baseAltitude, targetAltitude, DefaultLapseRate)
}

// CorrectWithRate is Correct with an explicit lapse rate in °C per 100 m.
func CorrectWithRate(baseTemp, baseAltitude, targetAltitude, rate float64) float64 {
	diff := targetAltitude - baseAltitude
	return baseTemp - (diff/100.0)*rate
}
