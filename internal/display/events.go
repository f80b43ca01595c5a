package display

// Event is one protocol event translated for the control loop.
type Event interface {
	displayEvent()
}

// OutputAdded reports a newly bound wl_output.
type OutputAdded struct{ Output OutputID }

// OutputMode reports the current mode of an output, in physical pixels.
type OutputMode struct {
	Output        OutputID
	Width, Height int32
}

// OutputScale reports the integer scale factor.
type OutputScale struct {
	Output OutputID
	Factor int32
}

// OutputTransform reports the output transform.
type OutputTransform struct {
	Output    OutputID
	Transform Transform
}

// OutputName reports the connector name (wl_output v4).
type OutputName struct {
	Output OutputID
	Name   string
}

// OutputDone closes a batch of output property events.
type OutputDone struct{ Output OutputID }

// OutputRemoved reports that the output global went away.
type OutputRemoved struct{ Output OutputID }

// SurfaceConfigure is a layer surface configure with the logical size.
type SurfaceConfigure struct {
	Output        OutputID
	Serial        uint32
	Width, Height uint32
}

// SurfaceClosed reports that the compositor closed the layer surface.
type SurfaceClosed struct{ Output OutputID }

// BufferReleased reports that the compositor no longer reads a buffer.
type BufferReleased struct{ Buffer BufferID }

// FormatSupported is a wl_shm format announcement.
type FormatSupported struct{ Format PixelFormat }

// ConnectionLost reports that reading from the display failed.
type ConnectionLost struct{ Err error }

func (OutputAdded) displayEvent()      {}
func (OutputMode) displayEvent()       {}
func (OutputScale) displayEvent()      {}
func (OutputTransform) displayEvent()  {}
func (OutputName) displayEvent()       {}
func (OutputDone) displayEvent()       {}
func (OutputRemoved) displayEvent()    {}
func (SurfaceConfigure) displayEvent() {}
func (SurfaceClosed) displayEvent()    {}
func (BufferReleased) displayEvent()   {}
func (FormatSupported) displayEvent()  {}
func (ConnectionLost) displayEvent()   {}
