// Package simulator provides a dome that lives inside the client process. It
// is announced to peers that send getProperties and answers their
// newSwitchVector and newNumberVector commands with setXVector updates.
package simulator

import (
	"fmt"
	"sync"

	"indi/pkg/indi"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	DeviceName    = "Dome Simulator"
	driverName    = "INDI Dome Simulator"
	driverVersion = "1.0"

	mainGroup    = "Main Control"
	optionsGroup = "Options"

	connectionVector = "CONNECTION"
	positionVector   = "DOME_ABSOLUTE_POSITION"
	shutterVector    = "DOME_SHUTTER"
	parkVector       = "DOME_PARK"
	gotoVector       = "DOME_GOTO"
	parkPosVector    = "DOME_PARK_POSITION"
	infoVector       = "DRIVER_INFO"
)

type DomeStatus struct {
	AtHome  bool
	AtPark  bool
	Azimuth float64
	Open    bool
}

// Dome is a locally owned INDI device simulating a rotating dome.
type Dome struct {
	logger log.FieldLogger
	store  *optionsStore
	device *indi.Device

	mu        sync.Mutex
	options   DomeOptions
	status    DomeStatus
	connected bool
}

// NewDome creates the simulator, registers its device with client and
// subscribes to the commands addressed to it.
func NewDome(client *indi.Client, db *bolt.DB, logger log.FieldLogger) (*Dome, error) {
	store, err := newOptionsStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	options, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load dome options: %v", err)
	}

	d := &Dome{
		logger:  logger,
		store:   store,
		device:  indi.NewLocalDevice(DeviceName),
		options: options,
		status: DomeStatus{
			AtPark:  true,
			Azimuth: options.ParkAzimuth,
		},
	}

	if err := d.defineVectors(); err != nil {
		return nil, err
	}
	client.AddDevice(d.device)

	client.OnSwitchVector(func(v *indi.SwitchVector, device string) {
		if device == DeviceName {
			d.handleSwitch(v)
		}
	})
	client.OnNumberVector(func(v *indi.NumberVector, device string) {
		if device == DeviceName {
			d.handleNumber(v)
		}
	})

	return d, nil
}

func (d *Dome) defineVectors() error {
	sw := func(name, label string, on bool) indi.Switch {
		return indi.Switch{PropertyInfo: indi.PropertyInfo{Name: name, Label: label}, Value: on}
	}
	num := func(name, label string, value float64) indi.Number {
		return indi.Number{
			PropertyInfo: indi.PropertyInfo{Name: name, Label: label},
			Format:       "%6.2f",
			Min:          0,
			Max:          360,
			Step:         0.1,
			Value:        value,
		}
	}

	errs := []error{
		d.device.AddTextVector(indi.NewVector(DeviceName, infoVector, "Driver Info", optionsGroup, indi.PermRO, "",
			indi.Text{PropertyInfo: indi.PropertyInfo{Name: "DRIVER_NAME", Label: "Name"}, Value: driverName},
			indi.Text{PropertyInfo: indi.PropertyInfo{Name: "DRIVER_VERSION", Label: "Version"}, Value: driverVersion})),
		d.device.AddSwitchVector(indi.NewVector(DeviceName, connectionVector, "Connection", mainGroup, indi.PermRW, "OneOfMany",
			sw("CONNECT", "Connect", false),
			sw("DISCONNECT", "Disconnect", true))),
		d.device.AddNumberVector(indi.NewVector(DeviceName, positionVector, "Absolute Position", mainGroup, indi.PermRW, "",
			num("DOME_ABSOLUTE_POSITION", "Degrees", d.status.Azimuth))),
		d.device.AddSwitchVector(indi.NewVector(DeviceName, shutterVector, "Shutter", mainGroup, indi.PermRW, "OneOfMany",
			sw("SHUTTER_OPEN", "Open", false),
			sw("SHUTTER_CLOSE", "Close", true))),
		d.device.AddSwitchVector(indi.NewVector(DeviceName, parkVector, "Parking", mainGroup, indi.PermRW, "OneOfMany",
			sw("PARK", "Park", true),
			sw("UNPARK", "UnPark", false))),
		d.device.AddSwitchVector(indi.NewVector(DeviceName, gotoVector, "Goto", mainGroup, indi.PermRW, "AtMostOne",
			sw("DOME_HOME", "Home", false))),
		d.device.AddNumberVector(indi.NewVector(DeviceName, parkPosVector, "Park Position", optionsGroup, indi.PermRW, "",
			num("PARK_AZ", "AZ D:M:S", d.options.ParkAzimuth))),
	}
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("failed to define dome vectors: %w", err)
		}
	}
	return nil
}

func (d *Dome) Device() *indi.Device {
	return d.device
}

func (d *Dome) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Dome) Status() DomeStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dome) Close() error {
	d.logger.Info("Closing dome simulator")
	return nil
}

// handleSwitch runs after a peer command has been merged into v.
func (d *Dome) handleSwitch(v *indi.SwitchVector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	switch v.Name() {
	case connectionVector:
		err = d.setConnection(v)
	case shutterVector:
		err = d.setShutter(v)
	case parkVector:
		err = d.setPark(v)
	case gotoVector:
		err = d.findHome(v)
	default:
		return
	}
	if err != nil {
		d.logger.Errorf("Failed to answer %s: %v", v.Name(), err)
	}
}

func (d *Dome) handleNumber(v *indi.NumberVector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	switch v.Name() {
	case positionVector:
		err = d.slewToAzimuth(v)
	case parkPosVector:
		err = d.setParkPosition(v)
	default:
		return
	}
	if err != nil {
		d.logger.Errorf("Failed to answer %s: %v", v.Name(), err)
	}
}

// requested returns the member a OneOfMany command turned On. When the merge
// left several members On, the one that differs from current wins.
func requested(v *indi.SwitchVector, current string) (string, bool) {
	var on []string
	for _, s := range v.Values() {
		if s.Value {
			on = append(on, s.Name)
		}
	}
	for _, name := range on {
		if name != current {
			return name, true
		}
	}
	if len(on) > 0 {
		return on[0], true
	}
	return "", false
}

// reply switches the member at index On and reports the vector with state.
func (d *Dome) reply(vector string, index int, state indi.State) error {
	if err := d.device.SetSwitchVector(vector, index); err != nil {
		return err
	}
	return d.device.PublishState(vector, state)
}

func (d *Dome) setConnection(v *indi.SwitchVector) error {
	current := "DISCONNECT"
	if d.connected {
		current = "CONNECT"
	}
	name, ok := requested(v, current)
	if !ok {
		name = current
	}

	d.connected = name == "CONNECT"
	if d.connected {
		d.logger.Infof("%s connected", DeviceName)
		return d.reply(connectionVector, 0, indi.StateOk)
	}
	d.logger.Infof("%s disconnected", DeviceName)
	return d.reply(connectionVector, 1, indi.StateIdle)
}

// reject restores a switch vector to the current selection with an Alert state.
func (d *Dome) reject(vector string, index int) error {
	d.logger.Warnf("Ignoring %s while disconnected", vector)
	return d.reply(vector, index, indi.StateAlert)
}

func (d *Dome) setShutter(v *indi.SwitchVector) error {
	index, current := 1, "SHUTTER_CLOSE"
	if d.status.Open {
		index, current = 0, "SHUTTER_OPEN"
	}
	if !d.connected {
		return d.reject(shutterVector, index)
	}

	name, ok := requested(v, current)
	if !ok {
		name = current
	}
	d.status.Open = name == "SHUTTER_OPEN"
	d.logger.Infof("Setting shutter: %s", name)
	if d.status.Open {
		return d.reply(shutterVector, 0, indi.StateOk)
	}
	return d.reply(shutterVector, 1, indi.StateOk)
}

func (d *Dome) setPark(v *indi.SwitchVector) error {
	index, current := 1, "UNPARK"
	if d.status.AtPark {
		index, current = 0, "PARK"
	}
	if !d.connected {
		return d.reject(parkVector, index)
	}

	name, ok := requested(v, current)
	if !ok {
		name = current
	}
	if name == "PARK" {
		d.logger.Info("Parking")
		if err := d.moveTo(d.options.ParkAzimuth); err != nil {
			return err
		}
		return d.reply(parkVector, 0, indi.StateOk)
	}

	d.logger.Info("Unparking")
	d.status.AtPark = false
	return d.reply(parkVector, 1, indi.StateOk)
}

func (d *Dome) findHome(v *indi.SwitchVector) error {
	if !d.connected {
		d.logger.Warnf("Ignoring %s while disconnected", gotoVector)
		if err := d.device.SetSwitch(gotoVector, "DOME_HOME", false); err != nil {
			return err
		}
		return d.device.PublishState(gotoVector, indi.StateAlert)
	}
	if home, _ := requested(v, ""); home != "DOME_HOME" {
		return nil
	}

	d.logger.Info("Finding home")
	if err := d.moveTo(d.options.HomeAzimuth); err != nil {
		return err
	}
	d.status.AtHome = true
	if err := d.device.SetSwitch(gotoVector, "DOME_HOME", false); err != nil {
		return err
	}
	return d.device.PublishState(gotoVector, indi.StateOk)
}

func (d *Dome) slewToAzimuth(v *indi.NumberVector) error {
	target, ok := v.Get("DOME_ABSOLUTE_POSITION")
	if !ok {
		return nil
	}
	if !d.connected || target.Value < 0 || target.Value > 360 {
		d.logger.Warnf("Rejecting slew to azimuth %f", target.Value)
		if err := d.device.SetNumber(positionVector, "DOME_ABSOLUTE_POSITION", d.status.Azimuth); err != nil {
			return err
		}
		return d.device.PublishState(positionVector, indi.StateAlert)
	}

	d.logger.Infof("Slewing to azimuth: %f", target.Value)
	return d.moveTo(target.Value)
}

// moveTo sets the azimuth and reports the position and park state.
func (d *Dome) moveTo(azimuth float64) error {
	d.status.Azimuth = azimuth
	d.status.AtHome = false
	d.status.AtPark = azimuth == d.options.ParkAzimuth

	if err := d.device.SetNumber(positionVector, "DOME_ABSOLUTE_POSITION", azimuth); err != nil {
		return err
	}
	if err := d.device.PublishState(positionVector, indi.StateOk); err != nil {
		return err
	}
	if d.status.AtPark {
		return d.device.SetSwitchVector(parkVector, 0)
	}
	return d.device.SetSwitchVector(parkVector, 1)
}

// setParkPosition stores a new park azimuth. It is accepted while
// disconnected, like any other option.
func (d *Dome) setParkPosition(v *indi.NumberVector) error {
	park, ok := v.Get("PARK_AZ")
	if !ok {
		return nil
	}
	if park.Value < 0 || park.Value > 360 {
		if err := d.device.SetNumber(parkPosVector, "PARK_AZ", d.options.ParkAzimuth); err != nil {
			return err
		}
		return d.device.PublishState(parkPosVector, indi.StateAlert)
	}

	d.logger.Infof("Setting park position: %f", park.Value)
	d.options.ParkAzimuth = park.Value
	if err := d.store.save(d.options); err != nil {
		return err
	}
	d.status.AtPark = d.status.Azimuth == d.options.ParkAzimuth
	return d.device.PublishState(parkPosVector, indi.StateOk)
}
