package geo

import (
	"context"
	"fmt"
	"testing"

	"github.com/example/delivery-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111300 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

// offset returns a point roughly north of c by the given meters.
func offset(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/metersPerDeg, Lon: c.Lon}
}

func addRider(t *testing.T, g *GridIndex, id string, loc models.Coord, online, busy bool) {
	t.Helper()
	ctx := context.Background()
	if err := g.UpsertLocation(ctx, id, loc); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if err := g.SetAvailability(ctx, id, online, busy); err != nil {
		t.Fatalf("availability %s: %v", id, err)
	}
}

func TestFindNearbyEligibility(t *testing.T) {
	center := models.Coord{Lat: 6.45, Lon: 3.40}
	g := NewIndex()
	addRider(t, g, "idle", offset(center, 1000), true, false)
	addRider(t, g, "busy", offset(center, 500), true, true)
	addRider(t, g, "offline", offset(center, 200), false, false)
	addRider(t, g, "far", offset(center, 7000), true, false)

	got, err := g.FindNearby(context.Background(), center, 5000, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].RiderID != "idle" {
		t.Fatalf("expected only idle rider, got %+v", got)
	}
}

func TestFindNearbyOrderingAndTieBreak(t *testing.T) {
	center := models.Coord{Lat: 6.45, Lon: 3.40}
	g := NewIndex()
	addRider(t, g, "c", offset(center, 3000), true, false)
	addRider(t, g, "b", offset(center, 1000), true, false)
	addRider(t, g, "a", offset(center, 1000), true, false)
	addRider(t, g, "d", offset(center, 4000), true, false)

	got, err := g.FindNearby(context.Background(), center, 5000, 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d riders, got %+v", len(want), got)
	}
	for i, id := range want {
		if got[i].RiderID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].RiderID)
		}
	}
}

func TestFindNearbyEmptyIsNotAnError(t *testing.T) {
	g := NewIndex()
	got, err := g.FindNearby(context.Background(), models.Coord{Lat: 1, Lon: 1}, 5000, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no riders, got %+v", got)
	}
}

func TestUpsertMovesRiderBetweenCells(t *testing.T) {
	g := NewIndex()
	start := models.Coord{Lat: 10, Lon: 10}
	addRider(t, g, "r1", start, true, false)
	moved := models.Coord{Lat: 10.5, Lon: 10.5}
	if err := g.UpsertLocation(context.Background(), "r1", moved); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got, _ := g.FindNearby(context.Background(), start, 2000, 5); len(got) != 0 {
		t.Fatalf("rider still found at old location: %+v", got)
	}
	if got, _ := g.FindNearby(context.Background(), moved, 2000, 5); len(got) != 1 {
		t.Fatalf("rider not found at new location: %+v", got)
	}
}

func TestFindNearbyAcrossAntimeridian(t *testing.T) {
	g := NewIndex()
	addRider(t, g, "east", models.Coord{Lat: 0, Lon: 179.99}, true, false)
	got, err := g.FindNearby(context.Background(), models.Coord{Lat: 0, Lon: -179.99}, 5000, 5)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].RiderID != "east" {
		t.Fatalf("expected rider across the antimeridian, got %+v", got)
	}
}

func TestUpsertRejectsInvalidLocation(t *testing.T) {
	g := NewIndex()
	if err := g.UpsertLocation(context.Background(), "r1", models.Coord{Lat: 91}); err != ErrInvalidLocation {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestFindNearbyMatchesBruteForce(t *testing.T) {
	center := models.Coord{Lat: 6.45, Lon: 3.40}
	g := NewIndex()
	var all []models.Coord
	for i := 0; i < 200; i++ {
		loc := models.Coord{Lat: center.Lat + float64(i%20-10)*0.006, Lon: center.Lon + float64(i/20-5)*0.009}
		all = append(all, loc)
		addRider(t, g, fmt.Sprintf("r%03d", i), loc, i%3 != 0, i%7 == 0)
	}
	got, err := g.FindNearby(context.Background(), center, 5000, 1000)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := 0
	for i, loc := range all {
		if i%3 != 0 && i%7 != 0 && Haversine(center.Lat, center.Lon, loc.Lat, loc.Lon) <= 5000 {
			want++
		}
	}
	if len(got) != want {
		t.Fatalf("expected %d eligible riders, got %d", want, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].DistanceMeters > got[i].DistanceMeters {
			t.Fatalf("results not sorted at %d", i)
		}
	}
}
