package mmcsd

import "fmt"

// Error is the error taxonomy of the bring-up engine.  Controllers report
// the transport codes (CommandTimeout and friends); the core produces the
// rest.
type Error int32

const (
	UnrecognizedCsdVersion     Error = -1
	NoCompatibleVoltage        Error = -2
	VoltageNegotiationTimeout  Error = -3
	OutOfMemory                Error = -4
	RegistrationFailed         Error = -5
	BadArgument                Error = -6
	ApplicationCommandRejected Error = -7
	InterfaceCheckMismatch     Error = -8
	CommandTimeout             Error = -9
	CommandCRC                 Error = -10
	IllegalCommand             Error = -11
	DataTimeout                Error = -12
	DataCRC                    Error = -13
	BusError                   Error = -14
	NoCard                     Error = -15
)

func (e Error) Error() string {
	return e.String()
}

func (e Error) String() string {
	switch e {
	case UnrecognizedCsdVersion:
		return "UnrecognizedCsdVersion"
	case NoCompatibleVoltage:
		return "NoCompatibleVoltage"
	case VoltageNegotiationTimeout:
		return "VoltageNegotiationTimeout"
	case OutOfMemory:
		return "OutOfMemory"
	case RegistrationFailed:
		return "RegistrationFailed"
	case BadArgument:
		return "BadArgument"
	case ApplicationCommandRejected:
		return "ApplicationCommandRejected"
	case InterfaceCheckMismatch:
		return "InterfaceCheckMismatch"
	case CommandTimeout:
		return "CommandTimeout"
	case CommandCRC:
		return "CommandCRC"
	case IllegalCommand:
		return "IllegalCommand"
	case DataTimeout:
		return "DataTimeout"
	case DataCRC:
		return "DataCRC"
	case BusError:
		return "BusError"
	case NoCard:
		return "NoCard"
	}
	return "BadMmcsdErrorValue"
}

// TransportError is anything the controller reported for a command.  It is
// opaque to the core; Err is usually one of the transport codes above but a
// controller may hand back any error (a serial port failure, say).
type TransportError struct {
	Op    string
	Index uint32
	Err   error
}

func (t *TransportError) Error() string {
	return fmt.Sprintf("%s (CMD%d): %v", t.Op, t.Index, t.Err)
}

func (t *TransportError) Unwrap() error {
	return t.Err
}

func transportError(op string, index uint32, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*TransportError); ok {
		return err
	}
	return &TransportError{Op: op, Index: index, Err: err}
}
