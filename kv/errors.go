package kv

import "fmt"

// DataError describes undecodable stored data.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

// DataErrorf reports undecodable data stored under the shard layout, e.g. a
// corrupt value.
func DataErrorf(data []byte, err error, format string, args ...any) error {
	return dataErrf(data, 0, err, format, args...)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s at %d: %v: %s", e.Msg, e.Off, e.Err, data)
	}
	return fmt.Sprintf("%s at %d: %s", e.Msg, e.Off, data)
}
