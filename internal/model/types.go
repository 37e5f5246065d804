package model

// LogType records the most recent confirmed transit for an employee, and the
// kind of a clock event. The numeric values are fixed by the remote protocol.
type LogType int

const (
	LogNone  LogType = 0
	LogEntry LogType = 3
	LogExit  LogType = 4
)

// Direction identifies a physical lane: 1 is the entry lane, 2 is the exit lane.
type Direction int

const (
	DirEntry Direction = 1
	DirExit  Direction = 2
)

// LogType returns the clock log type produced by a transit in this direction.
func (d Direction) LogType() LogType {
	if d == DirEntry {
		return LogEntry
	}
	return LogExit
}

func (d Direction) String() string {
	switch d {
	case DirEntry:
		return "entry"
	case DirExit:
		return "exit"
	default:
		return "unknown"
	}
}

// PlaceholderOrganisationID fills the config row until the device is bound to
// a tenant.
const PlaceholderOrganisationID = "00000000-0000-0000-0000-000000000000"

// Config is the singleton device configuration row. Timestamps are epoch
// milliseconds UTC, matching the wire format used by the remote service.
type Config struct {
	ConfigID       string
	Name           string
	OrganisationID string
	Serial         string
	GrantType      string
	ClientID       string
	ClientSecret   string
	Issuer         string
	APIBase        string
	Scope          string
	AccessToken    string
	RefreshToken   string
	ExpiredToken   int64 // token lifetime in seconds
	LastAuthUTC    int64
	LastSyncUTC    int64
	CreatedDateUTC int64
	UpdatedDateUTC int64
	DeletedDateUTC int64
	ServerDateUTC  int64
}

// OrganisationBound reports whether the device has a real tenant binding.
func (c Config) OrganisationBound() bool {
	return c.OrganisationID != "" && c.OrganisationID != PlaceholderOrganisationID
}

// Employee is one row of the locally cached roster.
type Employee struct {
	EmployeeID     string
	Rfid           string
	RfidCode       string
	Startdate      string
	Termdate       *string // nil while the employee is active
	Supervisor     bool
	LogType        LogType
	LogDateUTC     int64
	CreatedDateUTC int64
	UpdatedDateUTC int64
	DeletedDateUTC int64
	ServerDateUTC  int64
}

// ClockEvent is one attendance transaction. ServerDateUTC == 0 marks an event
// that has not yet been acknowledged by the remote service.
type ClockEvent struct {
	TransactionID  string
	LogType        LogType
	EmployeeID     string
	EmployeeRFID   string
	SerialNumber   string
	CreatedDateUTC int64
	UpdatedDateUTC int64
	DeletedDateUTC int64
	ServerDateUTC  int64
}

// Pending reports whether the event is still waiting for a successful upload.
func (c ClockEvent) Pending() bool {
	return c.ServerDateUTC == 0
}
