package influx

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"indi/pkg/config"
	"indi/pkg/indi"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed++
}

func newTestLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func pointTags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func pointFields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, field := range p.FieldList() {
		out[field.Key] = field.Value
	}
	return out
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false}, newTestLogger())
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestRecordsVectorUpdates(t *testing.T) {
	w := &fakeWriter{}
	r := newRecorder(w, newTestLogger())

	client := indi.NewClient(indi.Config{Logger: newTestLogger()})
	r.Attach(client)

	input := `<defNumberVector device="Focuser" name="ABS_FOCUS_POSITION" state="Ok" timestamp="2026-03-01T21:30:00">` +
		`<defNumber name="FOCUS_ABSOLUTE_POSITION">12000</defNumber></defNumberVector>` +
		`<defSwitchVector device="Focuser" name="FOCUS_MOTION" rule="OneOfMany">` +
		`<defSwitch name="FOCUS_INWARD">On</defSwitch><defSwitch name="FOCUS_OUTWARD">Off</defSwitch></defSwitchVector>` +
		`<defTextVector device="Focuser" name="DRIVER_INFO"><defText name="DRIVER_NAME">Sim</defText></defTextVector>`
	require.NoError(t, <-client.Replay(context.Background(), strings.NewReader(input)))

	require.Len(t, w.points, 3)

	number := w.points[0]
	assert.Equal(t, numberMeasurement, number.Name())
	assert.Equal(t, map[string]string{
		"device":   "Focuser",
		"vector":   "ABS_FOCUS_POSITION",
		"property": "FOCUS_ABSOLUTE_POSITION",
		"state":    "Ok",
	}, pointTags(number))
	assert.Equal(t, 12000.0, pointFields(number)["value"])
	assert.Equal(t, time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC), number.Time())

	assert.Equal(t, switchMeasurement, w.points[1].Name())
	assert.Equal(t, true, pointFields(w.points[1])["on"])
	assert.Equal(t, "FOCUS_OUTWARD", pointTags(w.points[2])["property"])
	assert.Equal(t, false, pointFields(w.points[2])["on"])
}

func TestCloseFlushesAndStops(t *testing.T) {
	w := &fakeWriter{}
	r := newRecorder(w, newTestLogger())

	v := indi.NewVector("Weather", "TEMPERATURE", "", "", indi.PermRO, "",
		indi.Number{PropertyInfo: indi.PropertyInfo{Name: "CELSIUS"}, Value: 4.5})

	r.RecordNumbers(v)
	r.Close()
	r.Close()
	r.RecordNumbers(v)

	assert.Len(t, w.points, 1)
	assert.Equal(t, 1, w.flushed)
}

func TestPointTime(t *testing.T) {
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC), pointTime("2026-01-02T03:04:05.5"))

	before := time.Now()
	assert.False(t, pointTime("").Before(before))
	assert.False(t, pointTime("yesterday").Before(before))
}
