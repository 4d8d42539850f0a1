package ircmsg

import "errors"

var (
	errEmptyLine = errors.New("ircmsg: empty line")
	errMalformed = errors.New("ircmsg: malformed line")
)
