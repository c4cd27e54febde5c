package tracker

import "backend-lari2gether/internal/shared/geo"

const defaultPaceWindow = 5

// paceWindow keeps the last n instantaneous speeds.
type paceWindow struct {
	size    int
	samples []float64
}

func (w *paceWindow) push(v float64) {
	w.samples = append(w.samples, v)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

func (w *paceWindow) average() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples)), true
}

// Path integrates accepted points into distance and pace. It is not safe for
// concurrent use; the controller loop owns it.
type Path struct {
	points    []AcceptedPoint
	distanceM float64
	paceKmh   float64
	pace      paceWindow
}

func NewPath(paceWindowSize int) *Path {
	if paceWindowSize <= 0 {
		paceWindowSize = defaultPaceWindow
	}
	return &Path{pace: paceWindow{size: paceWindowSize}}
}

// Last returns the most recent accepted point, or nil for an empty path.
func (p *Path) Last() *AcceptedPoint {
	if len(p.points) == 0 {
		return nil
	}
	last := p.points[len(p.points)-1]
	return &last
}

// Add appends sample and returns the meters added to the total. When counting
// is false (paused) the point extends the path but distance and pace stay put.
func (p *Path) Add(sample RawSample, counting bool) float64 {
	point := AcceptedPoint{
		RawSample: sample,
		Display:   Coordinate{Latitude: sample.Latitude, Longitude: sample.Longitude},
	}

	prev := p.Last()
	if prev == nil {
		p.points = append(p.points, point)
		return 0
	}

	point.Display = Coordinate{
		Latitude:  (prev.Latitude + sample.Latitude) / 2,
		Longitude: (prev.Longitude + sample.Longitude) / 2,
	}

	delta := geo.HaversineM(prev.Latitude, prev.Longitude, sample.Latitude, sample.Longitude)
	p.points = append(p.points, point)
	if !counting {
		return 0
	}

	p.distanceM += delta
	if instant, ok := geo.SpeedKmh(delta, sample.Timestamp.Sub(prev.Timestamp).Seconds()); ok {
		p.pace.push(instant)
	}
	if avg, ok := p.pace.average(); ok {
		p.paceKmh = avg
	}
	return delta
}

func (p *Path) DistanceMeters() float64 { return p.distanceM }

func (p *Path) PaceKmh() float64 { return p.paceKmh }

func (p *Path) Len() int { return len(p.points) }

// Coordinates returns the display path.
func (p *Path) Coordinates() []Coordinate {
	out := make([]Coordinate, 0, len(p.points))
	for _, pt := range p.points {
		out = append(out, pt.Display)
	}
	return out
}
