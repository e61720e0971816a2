//go:build !linux

package rtprio

func setRealtime(int) error { return ErrNotSupported }
func setNice(int) error     { return ErrNotSupported }
func pinCPU(int) error      { return ErrNotSupported }
