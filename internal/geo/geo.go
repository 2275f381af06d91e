package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

// ErrInvalidLocation is returned when a rider reports a point off the globe.
var ErrInvalidLocation = errors.New("geo: invalid location")

// Candidate is an eligible rider returned by a proximity query.
type Candidate struct {
	RiderID        string       `json:"riderId"`
	Location       models.Coord `json:"location"`
	DistanceMeters float64      `json:"distanceMeters"`
}

// Index is the minimal interface required by the dispatch worker, the
// acceptance flow and the heartbeat consumer. An empty FindNearby result is
// a normal outcome; errors mean the index itself could not be queried.
type Index interface {
	UpsertLocation(ctx context.Context, riderID string, loc models.Coord) error
	SetAvailability(ctx context.Context, riderID string, online, busy bool) error
	FindNearby(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]Candidate, error)
}

const (
	defaultCellDeg = 0.01 // ~1.1km of latitude
	metersPerDeg   = 6371000.0 * math.Pi / 180
	boxSlack       = 1.01
)

type cell struct{ x, y int }

type riderState struct {
	loc    models.Coord
	hasLoc bool
	online bool
	busy   bool
	cell   cell
}

// GridIndex buckets riders into fixed lat/lng cells so a query only visits
// the cells overlapping the search radius.
type GridIndex struct {
	mu      sync.RWMutex
	riders  map[string]*riderState
	cells   map[cell]map[string]struct{}
	cellDeg float64
	numX    int
}

func NewIndex() *GridIndex {
	return NewGridIndex(defaultCellDeg)
}

func NewGridIndex(cellDeg float64) *GridIndex {
	if cellDeg <= 0 {
		cellDeg = defaultCellDeg
	}
	return &GridIndex{
		riders:  make(map[string]*riderState),
		cells:   make(map[cell]map[string]struct{}),
		cellDeg: cellDeg,
		numX:    int(math.Ceil(360 / cellDeg)),
	}
}

func (g *GridIndex) cellFor(c models.Coord) cell {
	return cell{x: g.wrapX(int(math.Floor(c.Lon / g.cellDeg))), y: int(math.Floor(c.Lat / g.cellDeg))}
}

func (g *GridIndex) wrapX(x int) int {
	return ((x % g.numX) + g.numX) % g.numX
}

func (g *GridIndex) state(riderID string) *riderState {
	s, ok := g.riders[riderID]
	if !ok {
		s = &riderState{}
		g.riders[riderID] = s
	}
	return s
}

func (g *GridIndex) UpsertLocation(_ context.Context, riderID string, loc models.Coord) error {
	if !loc.Valid() {
		return ErrInvalidLocation
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(riderID)
	next := g.cellFor(loc)
	if s.hasLoc && s.cell != next {
		if members := g.cells[s.cell]; members != nil {
			delete(members, riderID)
			if len(members) == 0 {
				delete(g.cells, s.cell)
			}
		}
	}
	members := g.cells[next]
	if members == nil {
		members = make(map[string]struct{})
		g.cells[next] = members
	}
	members[riderID] = struct{}{}
	s.loc, s.hasLoc, s.cell = loc, true, next
	return nil
}

func (g *GridIndex) SetAvailability(_ context.Context, riderID string, online, busy bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(riderID)
	s.online, s.busy = online, busy
	return nil
}

func (g *GridIndex) FindNearby(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !point.Valid() {
		return nil, ErrInvalidLocation
	}
	if radiusMeters <= 0 || limit <= 0 {
		return nil, nil
	}

	dLat := boxSlack * radiusMeters / metersPerDeg
	minY := int(math.Floor((point.Lat - dLat) / g.cellDeg))
	maxY := int(math.Floor((point.Lat + dLat) / g.cellDeg))

	var xs []int
	cosLat := math.Cos((math.Abs(point.Lat) + dLat) * math.Pi / 180)
	if cosLat <= 0.01 {
		// Near a pole the box spans every longitude.
		xs = make([]int, g.numX)
		for i := range xs {
			xs[i] = i
		}
	} else {
		dLon := boxSlack * radiusMeters / (metersPerDeg * cosLat)
		minX := int(math.Floor((point.Lon - dLon) / g.cellDeg))
		maxX := int(math.Floor((point.Lon + dLon) / g.cellDeg))
		if maxX-minX+1 >= g.numX {
			minX, maxX = 0, g.numX-1
		}
		for x := minX; x <= maxX; x++ {
			xs = append(xs, g.wrapX(x))
		}
	}

	g.mu.RLock()
	var out []Candidate
	for y := minY; y <= maxY; y++ {
		for _, x := range xs {
			for id := range g.cells[cell{x: x, y: y}] {
				s := g.riders[id]
				if !s.online || s.busy {
					continue
				}
				dist := Haversine(point.Lat, point.Lon, s.loc.Lat, s.loc.Lon)
				if dist > radiusMeters {
					continue
				}
				out = append(out, Candidate{RiderID: id, Location: s.loc, DistanceMeters: dist})
			}
		}
	}
	g.mu.RUnlock()

	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders candidates nearest first, breaking ties by rider id.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].RiderID < c[j].RiderID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
