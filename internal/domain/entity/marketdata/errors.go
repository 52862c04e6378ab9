package marketdata

import (
	"errors"
	"fmt"
)

var (
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrTransport         = errors.New("transport failure")
	ErrMalformedResponse = errors.New("malformed response")
	ErrStorageCorruption = errors.New("storage corruption")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrShutdownFlush     = errors.New("flush on shutdown failed")
)

// PriceUnavailableError reports an item that neither the cache, the remote
// service nor the fallback could price.
type PriceUnavailableError struct {
	Region RegionID
	Item   ItemID
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for item %d in region %d", e.Item, e.Region)
}

func (e *PriceUnavailableError) Is(target error) bool {
	return target == ErrPriceUnavailable
}

// StorageCorruptionError reports a backing file that could not be parsed.
// QuarantinePath is set when the file was moved aside.
type StorageCorruptionError struct {
	Region         RegionID
	Item           ItemID
	Path           string
	QuarantinePath string
	Err            error
}

func (e *StorageCorruptionError) Error() string {
	return fmt.Sprintf("corrupted price file %s (region %d, item %d): %v", e.Path, e.Region, e.Item, e.Err)
}

func (e *StorageCorruptionError) Is(target error) bool {
	return target == ErrStorageCorruption
}

func (e *StorageCorruptionError) Unwrap() error {
	return e.Err
}
