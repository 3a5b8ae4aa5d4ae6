//go:build !unix

package hostcap

func uname() (release, machine string) { return "", "" }
