package actions

type PlatformInfoRequest struct{}

type ClientInfoRequest struct{}

type FindSpec struct {
	// A glob expression, e.g. /etc/*.conf
	Glob string `json:"glob"`

	// Skip files larger than this. 0 is unlimited.
	MaxSize int64 `json:"max_size,omitempty"`
}

type HashRequest struct {
	Path string `json:"path"`
}

type BufferReference struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type ListProcessesRequest struct{}

type EchoRequest struct {
	Data string `json:"data"`

	// Number of times the data is sent back.
	Repeat int `json:"repeat,omitempty"`
}
