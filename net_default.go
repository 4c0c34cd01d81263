//go:build !linux && !darwin

package mqttloop

func newDefaultNet() (NetBSP, error) {
	return NewConnNet(nil), nil
}
