package eventbus

import "errors"

var ErrClosed = errors.New("eventbus: closed")
