// Package propertytest provides the PropertyTest device class, a device
// with one property of each common type, a counter, and a pipeline output
// and input. Importing the package provides the class under
// device.DefaultNamespace.
package propertytest
