package trainer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/basetype"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
)

// WriteFIT encodes a session as a FIT activity: one record per bike sample
// carrying the latest heart rate, then the timer event, lap and session
// summaries
func WriteFIT(w io.Writer, data SessionData) error {
	start := data.StartedAt
	if start.IsZero() {
		return fmt.Errorf("%w: session %s never started", ErrSessionState, data.ID)
	}
	end := data.StoppedAt
	if end.IsZero() {
		end = lastSampleTime(data, start)
	}

	fit := proto.FIT{}

	fileID := mesgdef.FileId{
		Type:         typedef.FileActivity,
		Manufacturer: typedef.ManufacturerDevelopment,
		Product:      0,
		SerialNumber: 1,
		TimeCreated:  start,
	}
	fit.Messages = append(fit.Messages, fileID.ToMesg(nil))

	records := buildRecords(data)
	for _, rec := range records {
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	elapsedMs := uint32(end.Sub(start).Milliseconds())
	distanceCm := uint32(data.DistanceMeters * 100)
	avgPower, maxPower := powerSummary(data.Bike)
	avgHR, maxHR := heartRateSummary(data.HeartRate)

	event := mesgdef.Event{
		Timestamp: end,
		Event:     typedef.EventTimer,
		EventType: typedef.EventTypeStopAll,
	}
	fit.Messages = append(fit.Messages, event.ToMesg(nil))

	lap := mesgdef.Lap{
		Timestamp:        end,
		StartTime:        start,
		TotalElapsedTime: elapsedMs,
		TotalTimerTime:   elapsedMs,
		TotalDistance:    distanceCm,
		AvgPower:         avgPower,
		MaxPower:         maxPower,
		AvgHeartRate:     avgHR,
		MaxHeartRate:     maxHR,
		Event:            typedef.EventLap,
		EventType:        typedef.EventTypeStop,
	}
	fit.Messages = append(fit.Messages, lap.ToMesg(nil))

	session := mesgdef.Session{
		Timestamp:        end,
		StartTime:        start,
		TotalElapsedTime: elapsedMs,
		TotalTimerTime:   elapsedMs,
		TotalDistance:    distanceCm,
		AvgPower:         avgPower,
		MaxPower:         maxPower,
		AvgHeartRate:     avgHR,
		MaxHeartRate:     maxHR,
		Sport:            typedef.SportCycling,
		SubSport:         typedef.SubSportVirtualActivity,
		Event:            typedef.EventSession,
		EventType:        typedef.EventTypeStop,
		Trigger:          typedef.SessionTriggerActivityEnd,
	}
	fit.Messages = append(fit.Messages, session.ToMesg(nil))

	enc := encoder.New(w)
	if err := enc.Encode(&fit); err != nil {
		return fmt.Errorf("encode fit: %w", err)
	}
	return nil
}

// ExportFIT writes the session to <dir>/<session id>.fit and returns the path
func ExportFIT(dir string, data SessionData) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(dir, data.ID+".fit")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := WriteFIT(f, data); err != nil {
		return "", err
	}
	return path, f.Close()
}

// buildRecords merges the two sample streams. Each bike sample becomes a
// record with the most recent heart rate at or before it. Without bike
// samples the heart rate samples become records on their own.
func buildRecords(data SessionData) []*mesgdef.Record {
	if len(data.Bike) == 0 {
		records := make([]*mesgdef.Record, 0, len(data.HeartRate))
		for _, hr := range data.HeartRate {
			records = append(records, &mesgdef.Record{
				Timestamp:     hr.At,
				HeartRate:     clampUint8(int(hr.BPM)),
				Distance:      basetype.Uint32Invalid,
				EnhancedSpeed: basetype.Uint32Invalid,
				Power:         basetype.Uint16Invalid,
				Cadence:       basetype.Uint8Invalid,
			})
		}
		return records
	}

	records := make([]*mesgdef.Record, 0, len(data.Bike))
	hrIdx := -1
	for _, bike := range data.Bike {
		for hrIdx+1 < len(data.HeartRate) && !data.HeartRate[hrIdx+1].At.After(bike.At) {
			hrIdx++
		}

		rec := &mesgdef.Record{
			Timestamp:     bike.At,
			HeartRate:     basetype.Uint8Invalid,
			Distance:      basetype.Uint32Invalid,
			EnhancedSpeed: basetype.Uint32Invalid,
			Power:         basetype.Uint16Invalid,
			Cadence:       basetype.Uint8Invalid,
		}
		if hrIdx >= 0 {
			rec.HeartRate = clampUint8(int(data.HeartRate[hrIdx].BPM))
		}
		if bike.DistanceMeters != nil {
			rec.Distance = *bike.DistanceMeters * 100
		}
		if bike.SpeedKmh != nil {
			// km/h -> mm/s
			rec.EnhancedSpeed = uint32(*bike.SpeedKmh / 3.6 * 1000)
		}
		if bike.PowerWatts != nil && *bike.PowerWatts >= 0 {
			rec.Power = uint16(*bike.PowerWatts)
		}
		if bike.CadenceRpm != nil {
			rec.Cadence = clampUint8(int(*bike.CadenceRpm))
		}
		records = append(records, rec)
	}
	return records
}

func lastSampleTime(data SessionData, fallback time.Time) time.Time {
	last := fallback
	if n := len(data.Bike); n > 0 && data.Bike[n-1].At.After(last) {
		last = data.Bike[n-1].At
	}
	if n := len(data.HeartRate); n > 0 && data.HeartRate[n-1].At.After(last) {
		last = data.HeartRate[n-1].At
	}
	return last
}

func powerSummary(samples []BikeSample) (avg, peak uint16) {
	var sum, n int
	for _, s := range samples {
		if s.PowerWatts == nil || *s.PowerWatts < 0 {
			continue
		}
		w := int(*s.PowerWatts)
		sum += w
		n++
		peak = max(peak, uint16(w))
	}
	if n == 0 {
		return basetype.Uint16Invalid, basetype.Uint16Invalid
	}
	return uint16(sum / n), peak
}

func heartRateSummary(samples []HeartRateSample) (avg, peak uint8) {
	var sum, n int
	for _, s := range samples {
		sum += int(s.BPM)
		n++
		peak = max(peak, clampUint8(int(s.BPM)))
	}
	if n == 0 {
		return basetype.Uint8Invalid, basetype.Uint8Invalid
	}
	return clampUint8(sum / n), peak
}

// clampUint8 keeps v below the FIT invalid marker 0xFF
func clampUint8(v int) uint8 {
	return uint8(min(max(v, 0), 0xFE))
}
