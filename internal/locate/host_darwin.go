package locate

// Host returns the locator for executables of the build platform.
func Host() Locator {
	return MachO{}
}
