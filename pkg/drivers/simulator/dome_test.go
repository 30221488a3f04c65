package simulator

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"indi/pkg/indi"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "indi.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestDome(t *testing.T) (*Dome, *indi.Client) {
	t.Helper()
	client := indi.NewClient(indi.Config{Logger: newTestLogger()})
	dome, err := NewDome(client, openDB(t), newTestLogger())
	require.NoError(t, err)
	return dome, client
}

func send(t *testing.T, c *indi.Client, input string) {
	t.Helper()
	require.NoError(t, <-c.Replay(context.Background(), strings.NewReader(input)))
}

func connect(t *testing.T, c *indi.Client) {
	t.Helper()
	send(t, c, `<newSwitchVector device="Dome Simulator" name="CONNECTION"><oneSwitch name="CONNECT">On</oneSwitch></newSwitchVector>`)
}

func switchOn(t *testing.T, dev *indi.Device, vector, name string) bool {
	t.Helper()
	s, err := dev.Switch(vector, name)
	require.NoError(t, err)
	return s.Value
}

func TestDomeAnswersGetProperties(t *testing.T) {
	dome, client := newTestDome(t)

	assert.True(t, dome.Device().Local())
	send(t, client, `<getProperties version="1.7"/>`)
	assert.Equal(t, 1, client.Pending())

	defs := client.DefineProperties(DeviceName)
	assert.Contains(t, defs, `<defSwitchVector device="Dome Simulator" name="CONNECTION"`)
	assert.Contains(t, defs, `<defNumberVector device="Dome Simulator" name="DOME_ABSOLUTE_POSITION"`)
	assert.Contains(t, defs, `<defTextVector device="Dome Simulator" name="DRIVER_INFO"`)
}

func TestDomeConnection(t *testing.T) {
	dome, client := newTestDome(t)
	dev := dome.Device()

	connect(t, client)
	assert.True(t, dome.Connected())
	assert.True(t, switchOn(t, dev, "CONNECTION", "CONNECT"))
	assert.False(t, switchOn(t, dev, "CONNECTION", "DISCONNECT"))
	v, _ := dev.SwitchVector("CONNECTION")
	assert.Equal(t, indi.StateOk, v.State())
	// One set message with the values and one with the state.
	assert.Equal(t, 2, client.Pending())

	send(t, client, `<newSwitchVector device="Dome Simulator" name="CONNECTION"><oneSwitch name="DISCONNECT">On</oneSwitch></newSwitchVector>`)
	assert.False(t, dome.Connected())
	assert.False(t, switchOn(t, dev, "CONNECTION", "CONNECT"))
	assert.Equal(t, indi.StateIdle, v.State())
}

func TestDomeRejectsCommandsWhileDisconnected(t *testing.T) {
	dome, client := newTestDome(t)
	dev := dome.Device()

	send(t, client, `<newNumberVector device="Dome Simulator" name="DOME_ABSOLUTE_POSITION"><oneNumber name="DOME_ABSOLUTE_POSITION">180</oneNumber></newNumberVector>`)
	n, err := dev.Number("DOME_ABSOLUTE_POSITION", "DOME_ABSOLUTE_POSITION")
	require.NoError(t, err)
	assert.Equal(t, 90.0, n.Value)
	v, _ := dev.NumberVector("DOME_ABSOLUTE_POSITION")
	assert.Equal(t, indi.StateAlert, v.State())

	send(t, client, `<newSwitchVector device="Dome Simulator" name="DOME_SHUTTER"><oneSwitch name="SHUTTER_OPEN">On</oneSwitch></newSwitchVector>`)
	assert.False(t, dome.Status().Open)
	assert.False(t, switchOn(t, dev, "DOME_SHUTTER", "SHUTTER_OPEN"))
	assert.True(t, switchOn(t, dev, "DOME_SHUTTER", "SHUTTER_CLOSE"))
}

func TestDomeSlewAndPark(t *testing.T) {
	dome, client := newTestDome(t)
	dev := dome.Device()
	connect(t, client)

	send(t, client, `<newNumberVector device="Dome Simulator" name="DOME_ABSOLUTE_POSITION"><oneNumber name="DOME_ABSOLUTE_POSITION">180</oneNumber></newNumberVector>`)
	status := dome.Status()
	assert.Equal(t, 180.0, status.Azimuth)
	assert.False(t, status.AtPark)
	assert.True(t, switchOn(t, dev, "DOME_PARK", "UNPARK"))

	n, err := dev.Number("DOME_ABSOLUTE_POSITION", "DOME_ABSOLUTE_POSITION")
	require.NoError(t, err)
	assert.Equal(t, 360.0, n.Max)

	send(t, client, `<newNumberVector device="Dome Simulator" name="DOME_ABSOLUTE_POSITION"><oneNumber name="DOME_ABSOLUTE_POSITION">400</oneNumber></newNumberVector>`)
	assert.Equal(t, 180.0, dome.Status().Azimuth)

	send(t, client, `<newSwitchVector device="Dome Simulator" name="DOME_PARK"><oneSwitch name="PARK">On</oneSwitch></newSwitchVector>`)
	status = dome.Status()
	assert.Equal(t, 90.0, status.Azimuth)
	assert.True(t, status.AtPark)
	assert.True(t, switchOn(t, dev, "DOME_PARK", "PARK"))
	assert.False(t, switchOn(t, dev, "DOME_PARK", "UNPARK"))

	send(t, client, `<newSwitchVector device="Dome Simulator" name="DOME_GOTO"><oneSwitch name="DOME_HOME">On</oneSwitch></newSwitchVector>`)
	status = dome.Status()
	assert.Equal(t, 0.0, status.Azimuth)
	assert.True(t, status.AtHome)
	assert.False(t, switchOn(t, dev, "DOME_GOTO", "DOME_HOME"))
}

func TestDomeShutter(t *testing.T) {
	dome, client := newTestDome(t)
	connect(t, client)

	send(t, client, `<newSwitchVector device="Dome Simulator" name="DOME_SHUTTER"><oneSwitch name="SHUTTER_OPEN">On</oneSwitch></newSwitchVector>`)
	assert.True(t, dome.Status().Open)

	send(t, client, `<newSwitchVector device="Dome Simulator" name="DOME_SHUTTER"><oneSwitch name="SHUTTER_OPEN">Off</oneSwitch><oneSwitch name="SHUTTER_CLOSE">On</oneSwitch></newSwitchVector>`)
	assert.False(t, dome.Status().Open)
}

func TestDomeParkPositionPersists(t *testing.T) {
	db := openDB(t)
	client := indi.NewClient(indi.Config{Logger: newTestLogger()})
	dome, err := NewDome(client, db, newTestLogger())
	require.NoError(t, err)

	send(t, client, `<newNumberVector device="Dome Simulator" name="DOME_PARK_POSITION"><oneNumber name="PARK_AZ">270</oneNumber></newNumberVector>`)
	assert.False(t, dome.Status().AtPark)

	st, err := newOptionsStore(db, newTestLogger())
	require.NoError(t, err)
	opts, err := st.load()
	require.NoError(t, err)
	assert.Equal(t, 270.0, opts.ParkAzimuth)

	again, err := NewDome(indi.NewClient(indi.Config{Logger: newTestLogger()}), db, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, 270.0, again.Status().Azimuth)
}

func TestOptionsStoreDefaults(t *testing.T) {
	db := openDB(t)
	st, err := newOptionsStore(db, newTestLogger())
	require.NoError(t, err)

	opts, err := st.load()
	require.NoError(t, err)
	assert.Equal(t, defaultOptions(), opts)

	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(optionsBucket)).Put([]byte(optionsKey), []byte("{"))
	}))
	_, err = newOptionsStore(db, newTestLogger())
	assert.Error(t, err)
}

func TestDomeIgnoresOtherDevices(t *testing.T) {
	dome, client := newTestDome(t)

	send(t, client, `<defSwitchVector device="Remote Dome" name="CONNECTION"><defSwitch name="CONNECT">On</defSwitch></defSwitchVector>`)
	assert.False(t, dome.Connected())
	assert.Zero(t, client.Pending())
}
