//go:build !unix

package main

import "syscall"

func detachSysProcAttr() *syscall.SysProcAttr { return nil }

func raiseFileLimit() {}
