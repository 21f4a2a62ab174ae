package fabricate

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/state"
)

const (
	gravity          = 9.8
	seaLevelPressure = 1013.25
	magStrength      = 45.0
	magInclination   = 60.0
)

// StepAnchor pins the step counter to the moment pedestrian motion began.
type StepAnchor struct {
	Start time.Time
	Base  int64
}

// SensorInput is everything a sensor channel depends on.
type SensorInput struct {
	Snapshot state.Snapshot
	Now      time.Time
	Bearing  float64
	Steps    StepAnchor
	Raw      []float32
}

// Sensor fabricates one reading for kind. Unknown kinds return Raw as-is.
func Sensor(kind model.SensorKind, in SensorInput, rng *rand.Rand) []float32 {
	switch kind {
	case model.SensorAccelerometer:
		return accelerometer(in, rng)
	case model.SensorGyroscope:
		return gyroscope(in, rng)
	case model.SensorLinearAcceleration:
		return linearAcceleration(in, rng)
	case model.SensorMagneticField:
		return magnetometer(in, rng)
	case model.SensorRotationVector, model.SensorGameRotationVector:
		return rotationVector(in, rng)
	case model.SensorPressure:
		p := seaLevelPressure * math.Exp(-in.Snapshot.Altitude/8500)
		return vec(p + uniform(rng, -0.25, 0.25))
	case model.SensorLight:
		return vec(light(in.Now.Hour(), rng))
	case model.SensorAmbientTemperature:
		return vec(temperature(in.Now.Hour()) + uniform(rng, -1, 1))
	case model.SensorRelativeHumidity:
		h := humidity(in.Now.Hour()) + uniform(rng, -5, 5)
		return vec(math.Max(20, math.Min(100, h)))
	case model.SensorStepCounter:
		return vec(float64(StepCount(in)))
	case model.SensorStepDetector:
		return vec(stepDetector(in))
	case model.SensorProximity:
		if len(in.Raw) > 0 && in.Raw[0] != 0 {
			return []float32{in.Raw[0]}
		}
		return vec(5)
	case model.SensorGravity:
		return vec(rng.Float64()*0.02, rng.Float64()*0.02, gravity+rng.Float64()*0.05)
	default:
		return in.Raw
	}
}

func elapsedSeconds(now time.Time) float64 {
	return float64(now.UnixMilli()) / 1000
}

// stepPhase is time × stepFrequency × 2π.
func stepPhase(in SensorInput) float64 {
	return elapsedSeconds(in.Now) * in.Snapshot.StepFrequency() * 2 * math.Pi
}

func accelerometer(in SensorInput, rng *rand.Rand) []float32 {
	mode := in.Snapshot.TransportMode
	p := mode.Profile()
	t := elapsedSeconds(in.Now)
	switch {
	case mode == model.TransportStationary:
		return vec(rng.Float64()*0.05, rng.Float64()*0.05, gravity+rng.Float64()*0.05)
	case mode.IsPedestrian():
		ratio := math.Max(0, math.Min(1, in.Snapshot.Speed/p.MaxSpeed))
		amp := p.MinAccel + (p.MaxAccel-p.MinAccel)*ratio
		phase := stepPhase(in)
		return vec(
			amp*math.Sin(phase)*0.4+noise(rng, 0.01),
			amp*math.Sin(phase*2+math.Pi/4)*0.3+noise(rng, 0.01),
			gravity+amp*math.Sin(phase*2)*0.6+noise(rng, 0.01),
		)
	case mode == model.TransportCycling:
		amp := p.MinAccel + (p.MaxAccel-p.MinAccel)*0.5
		phase := t * 5 * 2 * math.Pi
		return vec(
			amp*math.Sin(phase*1.3)*0.5+noise(rng, 0.01),
			amp*math.Cos(phase*1.7)*0.3+noise(rng, 0.01),
			gravity+amp*math.Sin(phase*2.1)*0.4+noise(rng, 0.01),
		)
	default:
		amp := uniform(rng, p.MinAccel, p.MaxAccel)
		turn := t / 5 * 2 * math.Pi
		return vec(
			amp*math.Sin(turn*0.3),
			amp*math.Sin(turn*0.5)*0.6,
			gravity+amp*0.3,
		)
	}
}

func gyroscope(in SensorInput, rng *rand.Rand) []float32 {
	mode := in.Snapshot.TransportMode
	switch {
	case mode == model.TransportStationary:
		return vec(rng.Float64()*0.01, rng.Float64()*0.01, rng.Float64()*0.01)
	case mode.IsPedestrian():
		amp := math.Max(0.1, math.Min(0.5, in.Snapshot.Speed/10))
		phase := stepPhase(in)
		return vec(
			amp*math.Sin(phase*0.7)*0.2+noise(rng, 0.002),
			amp*math.Cos(phase*1.3)*0.15+noise(rng, 0.002),
			amp*math.Sin(phase*0.5)*0.1+noise(rng, 0.002),
		)
	default:
		amp := math.Max(0, math.Min(0.2, in.Snapshot.Speed/30))
		phase := float64(in.Now.UnixMilli()) * 0.003
		return vec(
			amp*math.Sin(phase)*0.1+noise(rng, 0.002),
			amp*math.Cos(phase*1.5)*0.1+noise(rng, 0.002),
			amp*math.Sin(phase*0.5)*0.05+noise(rng, 0.002),
		)
	}
}

func linearAcceleration(in SensorInput, rng *rand.Rand) []float32 {
	mode := in.Snapshot.TransportMode
	p := mode.Profile()
	amp := p.MinAccel + (p.MaxAccel-p.MinAccel)*0.6
	if mode.IsPedestrian() {
		phase := stepPhase(in)
		return vec(
			amp*math.Sin(phase)*0.2+noise(rng, 0.005),
			amp*math.Cos(phase*2)*0.15+noise(rng, 0.005),
			amp*math.Sin(phase*2)*0.3+noise(rng, 0.005),
		)
	}
	phase := elapsedSeconds(in.Now) * in.Snapshot.Speed * math.Pi
	return vec(
		amp*math.Sin(phase)*0.15+noise(rng, 0.005),
		amp*math.Cos(phase*1.5)*0.1+noise(rng, 0.005),
		amp*math.Sin(phase*2)*0.2+noise(rng, 0.005),
	)
}

func magnetometer(in SensorInput, rng *rand.Rand) []float32 {
	b := in.Bearing * math.Pi / 180
	inc := magInclination * math.Pi / 180
	horizontal := magStrength * math.Cos(inc)
	return vec(
		horizontal*math.Sin(b)+rng.Float64()*0.5,
		horizontal*math.Cos(b)+rng.Float64()*0.5,
		-magStrength*math.Sin(inc)+rng.Float64()*0.5,
	)
}

// rotationVector is a yaw-only unit quaternion (x, y, z, w) with a small
// tilt wobble.
func rotationVector(in SensorInput, rng *rand.Rand) []float32 {
	half := in.Bearing * math.Pi / 180 / 2
	x, y := noise(rng, 0.001), noise(rng, 0.001)
	z, w := math.Sin(half), math.Cos(half)
	n := math.Sqrt(x*x + y*y + z*z + w*w)
	return vec(x/n, y/n, z/n, w/n)
}

// StepCount grows with step frequency since the anchor. Non-pedestrian
// modes hold the base count.
func StepCount(in SensorInput) int64 {
	if !in.Snapshot.TransportMode.IsPedestrian() || in.Steps.Start.IsZero() {
		return in.Steps.Base
	}
	elapsed := in.Now.Sub(in.Steps.Start).Seconds()
	if elapsed < 0 {
		return in.Steps.Base
	}
	return in.Steps.Base + int64(in.Snapshot.StepFrequency()*elapsed)
}

func stepDetector(in SensorInput) float64 {
	freq := in.Snapshot.StepFrequency()
	if !in.Snapshot.TransportMode.IsPedestrian() || freq <= 0 {
		return 0
	}
	period := int64(1000 / freq)
	if period <= 0 {
		return 0
	}
	if in.Now.UnixMilli()%period < 100 {
		return 1
	}
	return 0
}

func light(hour int, rng *rand.Rand) float64 {
	var base float64
	switch {
	case hour >= 6 && hour <= 8:
		base = 1000 + float64(hour-6)*5000
	case hour >= 9 && hour <= 17:
		base = 15000 + rng.Float64()*5000
	case hour >= 18 && hour <= 20:
		base = 15000 - float64(hour-18)*7000
	default:
		base = 10 + rng.Float64()*50
	}
	return base * uniform(rng, 0.9, 1.1)
}

func temperature(hour int) float64 {
	switch {
	case hour <= 6:
		return 15 + float64(hour)*0.5
	case hour <= 14:
		return 18 + float64(hour-7)*1.5
	case hour <= 20:
		return 28 - float64(hour-15)
	default:
		return 23 - float64(hour-20)*2
	}
}

func humidity(hour int) float64 {
	switch {
	case hour <= 6:
		return 75 + float64(6-hour)*3
	case hour <= 14:
		return 75 - float64(hour-7)*5
	case hour <= 20:
		return 40 + float64(hour-15)*6
	default:
		return 70
	}
}

func noise(rng *rand.Rand, amp float64) float64 {
	return (rng.Float64()*2 - 1) * amp
}

func vec(values ...float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}
