package goofish

import "errors"

var (
	// ErrFrameDecode marks a frame that is not a JSON object carrying headers.
	ErrFrameDecode = errors.New("goofish: malformed frame")
	// ErrPayloadDecode marks a sync record that neither base64-JSON nor
	// decryption could turn into a JSON object.
	ErrPayloadDecode = errors.New("goofish: undecodable payload")
	// ErrDecryptUnavailable is returned by decrypters that cannot handle
	// encrypted payloads.
	ErrDecryptUnavailable = errors.New("goofish: decrypt capability unavailable")
	// ErrAPI marks an mtop call that returned a non-success ret code.
	ErrAPI = errors.New("goofish: api call failed")
)
