package protocol

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Task parameters travel as canonical CBOR so the same map always encodes to
// the same bytes.
var (
	paramsEnc cbor.EncMode
	paramsDec cbor.DecMode
)

func init() {
	var err error
	paramsEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	paramsDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalParams(p map[string]any) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return paramsEnc.Marshal(p)
}

func unmarshalParams(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p map[string]any
	if err := paramsDec.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}
