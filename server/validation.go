package server

import (
	"regexp"
)

var resourceIDRegex = regexp.MustCompile("^[a-zA-Z0-9\\-_]{1,64}$")

var usernameRegex = regexp.MustCompile("^[^\\s/]{1,255}$")

func validResourceID(id string) bool {
	return resourceIDRegex.MatchString(id)
}

func validUsername(username string) bool {
	return usernameRegex.MatchString(username)
}
