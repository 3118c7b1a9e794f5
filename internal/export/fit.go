package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
)

// ErrNoData is returned when an activity has no records
var ErrNoData = errors.New("no ride data to export")

// hrvPerMesg is the number of RR values carried by one HRV message
const hrvPerMesg = 5

// Encoder writes an activity in some file format
type Encoder interface {
	Encode(w io.Writer, a Activity) error
}

// FITEncoder writes FIT activity files
type FITEncoder struct {
	SerialNumber uint32
}

func NewFITEncoder() *FITEncoder {
	return &FITEncoder{SerialNumber: 0x12345678}
}

// Encode writes file id, sport, timer events, records, HRV, lap, session and
// activity messages
func (e *FITEncoder) Encode(w io.Writer, a Activity) error {
	if len(a.Records) == 0 {
		return ErrNoData
	}
	fit := proto.FIT{Messages: e.messages(a)}
	if err := encoder.New(w).Encode(&fit); err != nil {
		return fmt.Errorf("encode fit: %w", err)
	}
	return nil
}

func (e *FITEncoder) messages(a Activity) []proto.Message {
	end := a.End()
	elapsedMs := clampUint32(float64(a.Duration.Milliseconds()))
	distanceCm := clampUint32(a.Summary.DistanceKm * 1000 * 100)

	fileID := mesgdef.NewFileId(nil)
	fileID.Type = typedef.FileActivity
	fileID.Manufacturer = typedef.ManufacturerDevelopment
	fileID.Product = 0
	fileID.SerialNumber = e.SerialNumber
	fileID.TimeCreated = a.StartTime

	sport := mesgdef.NewSport(nil)
	sport.Sport = typedef.SportCycling
	sport.SubSport = typedef.SubSportIndoorCycling

	start := mesgdef.NewEvent(nil)
	start.Timestamp = a.StartTime
	start.Event = typedef.EventTimer
	start.EventType = typedef.EventTypeStart

	messages := []proto.Message{fileID.ToMesg(nil), sport.ToMesg(nil), start.ToMesg(nil)}

	for _, r := range a.Records {
		rec := mesgdef.NewRecord(nil)
		rec.Timestamp = r.Timestamp
		rec.Power = clampUint16(r.Power)
		rec.Distance = clampUint32(r.DistanceM * 100)
		if r.Cadence > 0 {
			rec.Cadence = clampUint8(r.Cadence)
		}
		if r.SpeedMps > 0 {
			rec.Speed = clampUint16(int(r.SpeedMps * 1000))
			rec.EnhancedSpeed = clampUint32(r.SpeedMps * 1000)
		}
		if r.HeartRate > 0 {
			rec.HeartRate = clampUint8(r.HeartRate)
		}
		messages = append(messages, rec.ToMesg(nil))
	}

	for _, h := range a.HRV {
		for i := 0; i < len(h.RR); i += hrvPerMesg {
			chunk := h.RR[i:min(i+hrvPerMesg, len(h.RR))]
			hrv := mesgdef.NewHrv(nil)
			hrv.Time = make([]uint16, 0, len(chunk))
			for _, rr := range chunk {
				hrv.Time = append(hrv.Time, clampUint16(rr))
			}
			messages = append(messages, hrv.ToMesg(nil))
		}
	}

	stop := mesgdef.NewEvent(nil)
	stop.Timestamp = end
	stop.Event = typedef.EventTimer
	stop.EventType = typedef.EventTypeStopAll

	s := a.Summary
	lap := mesgdef.NewLap(nil)
	lap.Timestamp = end
	lap.StartTime = a.StartTime
	lap.TotalElapsedTime = elapsedMs
	lap.TotalTimerTime = elapsedMs
	lap.TotalDistance = distanceCm
	lap.AvgPower = clampUint16(s.AvgPower)
	lap.MaxPower = clampUint16(s.MaxPower)
	lap.AvgCadence = clampUint8(s.AvgCadence)
	lap.Sport = typedef.SportCycling
	lap.Event = typedef.EventLap
	lap.EventType = typedef.EventTypeStop
	lap.LapTrigger = typedef.LapTriggerSessionEnd
	if s.AvgHR > 0 {
		lap.AvgHeartRate = clampUint8(s.AvgHR)
		lap.MaxHeartRate = clampUint8(s.MaxHR)
	}

	session := mesgdef.NewSession(nil)
	session.Timestamp = end
	session.StartTime = a.StartTime
	session.TotalElapsedTime = elapsedMs
	session.TotalTimerTime = elapsedMs
	session.TotalDistance = distanceCm
	session.AvgPower = clampUint16(s.AvgPower)
	session.MaxPower = clampUint16(s.MaxPower)
	session.AvgCadence = clampUint8(s.AvgCadence)
	session.Sport = typedef.SportCycling
	session.SubSport = typedef.SubSportIndoorCycling
	session.Event = typedef.EventSession
	session.EventType = typedef.EventTypeStop
	session.Trigger = typedef.SessionTriggerActivityEnd
	session.NumLaps = 1
	session.FirstLapIndex = 0
	if s.AvgHR > 0 {
		session.AvgHeartRate = clampUint8(s.AvgHR)
		session.MaxHeartRate = clampUint8(s.MaxHR)
	}
	if a.Profile != nil && a.Profile.FTP > 0 {
		session.ThresholdPower = clampUint16(a.Profile.FTP)
	}

	activity := mesgdef.NewActivity(nil)
	activity.Timestamp = end
	activity.TotalTimerTime = elapsedMs
	activity.NumSessions = 1
	activity.Type = typedef.ActivityManual
	activity.Event = typedef.EventActivity
	activity.EventType = typedef.EventTypeStop

	return append(messages,
		stop.ToMesg(nil),
		lap.ToMesg(nil),
		session.ToMesg(nil),
		activity.ToMesg(nil),
	)
}

// WriteFile encodes a into dir under FileName and returns the path. The file
// is written to a temporary name first so a failed export leaves nothing
// behind.
func WriteFile(dir string, a Activity, enc Encoder) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, FileName(a.StartTime))

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := enc.Encode(tmp, a); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("move export file: %w", err)
	}
	return path, nil
}
