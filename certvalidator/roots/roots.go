// Package roots holds the DER encodings of the device identity trust anchors
// compiled into the binary.
package roots

import _ "embed"

//go:embed device_root_1.der
var deviceRoot1 []byte

//go:embed device_root_2.der
var deviceRoot2 []byte

// DER returns copies of the two embedded root certificates, in a fixed order.
func DER() [][]byte {
	return [][]byte{
		append([]byte(nil), deviceRoot1...),
		append([]byte(nil), deviceRoot2...),
	}
}
