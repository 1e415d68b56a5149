package domain

type Range struct {
	Off    int64 `json:"off"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset.
func (r Range) End() int64 {
	return r.Off + r.Length
}

func (r Range) Valid() bool {
	return r.Off >= 0 && r.Length > 0
}
