// Package baseline loads the GTFS static shape set the detector
// compares vehicle fixes against. It wraps a GTFS zip, local path or
// HTTP URL, the same way joeshaw/cota-bus's internal/gtfs.Loader
// wraps one, but parses only shapes.txt and trips.txt — the files
// needed to build shape polylines and the route/trip to shape
// mappings. routes.txt carries no shape reference and is not read.
// Schedules, stops, and agency data play no part in off-route
// detection.
package baseline

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/transitops/detourd/internal/geo"
	"github.com/transitops/detourd/internal/transit"
)

// Source reads GTFS static data from a zip file, downloading it first
// if url is an HTTP(S) URL.
type Source struct {
	url string
}

// NewSource builds a Source over a GTFS zip. url may be a local file
// path or an http(s):// URL.
func NewSource(url string) *Source {
	return &Source{url: url}
}

// Refresh downloads (if remote) and parses the GTFS zip, returning
// the StaticData the detector and worker need. PolledSource wraps it
// to implement transit.StaticDataSource.
func (s *Source) Refresh(ctx context.Context) (transit.StaticData, error) {
	path := s.url
	if strings.HasPrefix(s.url, "http://") || strings.HasPrefix(s.url, "https://") {
		downloaded, err := s.download(ctx)
		if err != nil {
			return transit.StaticData{}, err
		}
		defer os.Remove(downloaded)
		path = downloaded
	}

	zipReader, err := zip.OpenReader(path)
	if err != nil {
		return transit.StaticData{}, fmt.Errorf("baseline: failed to open GTFS zip: %w", err)
	}
	defer zipReader.Close()

	shapePoints := make(map[string][]shapePoint)
	routeShape := make(transit.RouteShapeMapping)
	tripShape := make(transit.TripShapeMapping)
	routeDefaultTrip := make(map[string]string)

	for _, file := range zipReader.File {
		switch filepath.Base(file.Name) {
		case "shapes.txt":
			if err := processShapes(file, shapePoints); err != nil {
				return transit.StaticData{}, fmt.Errorf("baseline: shapes.txt: %w", err)
			}
		case "trips.txt":
			if err := processTrips(file, tripShape, routeDefaultTrip); err != nil {
				return transit.StaticData{}, fmt.Errorf("baseline: trips.txt: %w", err)
			}
		}
	}

	// routes.txt carries no shape reference itself; a route's
	// representative shape is its first trip's shape, in trip id
	// order, matching how joeshaw/cota-bus picks a route's primary
	// shape when building direction info from trips.
	for routeID, tripID := range routeDefaultTrip {
		if shapeID, ok := tripShape[tripID]; ok {
			routeShape[routeID] = shapeID
		}
	}

	shapes := make(map[string][]geo.Point, len(shapePoints))
	for shapeID, points := range shapePoints {
		sort.Slice(points, func(i, j int) bool { return points[i].sequence < points[j].sequence })
		polyline := make([]geo.Point, len(points))
		for i, p := range points {
			polyline[i] = p.point
		}
		shapes[shapeID] = polyline
	}

	return transit.StaticData{
		Shapes:            shapes,
		RouteShapeMapping: routeShape,
		TripShapeMapping:  tripShape,
		LastRefresh:       time.Now(),
	}, nil
}

func (s *Source) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("baseline: failed to build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("baseline: failed to download GTFS zip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("baseline: unexpected status code %d fetching %s", resp.StatusCode, s.url)
	}

	tmpFile, err := os.CreateTemp("", "detourd-gtfs-*.zip")
	if err != nil {
		return "", fmt.Errorf("baseline: failed to create temp file: %w", err)
	}
	defer tmpFile.Close()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("baseline: failed to write GTFS zip to temp file: %w", err)
	}

	return tmpFile.Name(), nil
}

type shapePoint struct {
	sequence int
	point    geo.Point
}

func processShapes(file *zip.File, shapes map[string][]shapePoint) error {
	records, err := readCSV(file)
	if err != nil {
		return err
	}

	for _, record := range records {
		shapeID := record["shape_id"]
		if shapeID == "" {
			continue
		}
		lat := getFloat(record, "shape_pt_lat")
		lon := getFloat(record, "shape_pt_lon")
		seq := getInt(record, "shape_pt_sequence")
		shapes[shapeID] = append(shapes[shapeID], shapePoint{
			sequence: seq,
			point:    geo.Point{Lat: lat, Lon: lon},
		})
	}
	return nil
}

func processTrips(file *zip.File, tripShape transit.TripShapeMapping, routeDefaultTrip map[string]string) error {
	records, err := readCSV(file)
	if err != nil {
		return err
	}

	for _, record := range records {
		tripID := record["trip_id"]
		routeID := record["route_id"]
		shapeID := record["shape_id"]
		if tripID == "" || shapeID == "" {
			continue
		}
		tripShape[tripID] = shapeID

		// First trip id (lexically) wins as the route's default, so
		// the choice is stable across refreshes of the same feed.
		if existing, ok := routeDefaultTrip[routeID]; !ok || tripID < existing {
			routeDefaultTrip[routeID] = tripID
		}
	}
	return nil
}

func readCSV(file *zip.File) ([]map[string]string, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	csvReader := csv.NewReader(reader)
	csvReader.ReuseRecord = true

	headers, err := csvReader.Read()
	if err != nil {
		return nil, err
	}
	headers = append([]string(nil), headers...)

	var records []map[string]string
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		fields := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(record) {
				fields[header] = record[i]
			}
		}
		records = append(records, fields)
	}
	return records, nil
}

func getInt(record map[string]string, field string) int {
	if val, ok := record[field]; ok && val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return 0
}

func getFloat(record map[string]string, field string) float64 {
	if val, ok := record[field]; ok && val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return 0
}
