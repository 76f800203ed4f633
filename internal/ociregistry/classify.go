package ociregistry

import (
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// classifyRemoteErr maps a go-containerregistry transport error onto this
// package's error taxonomy, preserving the original error via errors.Join so
// errors.Is still reaches the underlying transport.Error.
func classifyRemoteErr(err error) error {
	if err == nil {
		return nil
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound:
			return errors.Join(ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(ErrAuthentication, err)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return errors.Join(ErrTransport, err)
		}
		return err
	}
	return errors.Join(ErrTransport, err)
}
