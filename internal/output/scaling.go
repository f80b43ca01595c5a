package output

import "github.com/bnema/waybg/internal/display"

// ChooseScaling picks how a buffer of physical pixels covers a surface of
// logical size. Exact integer ratios use set_buffer_scale; anything else
// needs a viewport when the compositor offers one.
func ChooseScaling(physW, physH, logW, logH, outputScale int32, viewporter bool) display.Scaling {
	if logW <= 0 || logH <= 0 {
		if outputScale < 1 {
			outputScale = 1
		}
		return display.Scaling{BufferScale: outputScale}
	}
	if physW == logW && physH == logH {
		return display.Scaling{BufferScale: 1}
	}
	if physW%logW == 0 && physH%logH == 0 && physW/logW == physH/logH {
		return display.Scaling{BufferScale: physW / logW}
	}
	if viewporter {
		return display.Scaling{BufferScale: 1, ViewportWidth: logW, ViewportHeight: logH}
	}
	return display.Scaling{BufferScale: 1}
}
