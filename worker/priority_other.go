//go:build !unix

package worker

func setPriority(int) error { return nil }
