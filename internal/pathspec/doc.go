// Package pathspec parses transport path specifications such as
//
//	usb:idVendor=0x1209:idProduct=0x0D32,serial:/dev/ttyACM0
//
// into an ordered list of transport filters. Parsing is purely textual; no
// device or filesystem access happens here. Filters are later matched against
// the attributes a transport reports for each candidate device.
package pathspec
