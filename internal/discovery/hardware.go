// internal/discovery/hardware.go
package discovery

import (
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
)

// HardwareTable contains USB serial bridges known to carry the feeder controller
type HardwareTable struct {
	vendors  map[gousb.ID]*VendorInfo
	keywords []string
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]string
}

// NewHardwareTable creates and initializes the hardware table
func NewHardwareTable() *HardwareTable {
	t := &HardwareTable{
		vendors: make(map[gousb.ID]*VendorInfo),
		keywords: []string{
			"arduino mega",
			"arduino uno",
			"ch340",
			"cp210",
			"ft232",
		},
	}
	t.initialize()
	return t
}

// initialize populates the known boards and bridges
func (t *HardwareTable) initialize() {
	t.AddVendor(0x2341, "Arduino SA")
	t.AddProduct(0x2341, 0x0042, "Arduino Mega 2560 R3")
	t.AddProduct(0x2341, 0x0010, "Arduino Mega 2560")
	t.AddProduct(0x2341, 0x0043, "Arduino Uno R3")
	t.AddProduct(0x2341, 0x0001, "Arduino Uno")

	t.AddVendor(0x2A03, "Arduino Srl")
	t.AddProduct(0x2A03, 0x0042, "Arduino Mega 2560 R3")

	// Clone boards ship with generic USB-serial bridges
	t.AddVendor(0x1A86, "QinHeng Electronics")
	t.AddProduct(0x1A86, 0x7523, "CH340 serial converter")
	t.AddProduct(0x1A86, 0x5523, "CH341 serial converter")

	t.AddVendor(0x10C4, "Silicon Labs")
	t.AddProduct(0x10C4, 0xEA60, "CP210x UART bridge")

	t.AddVendor(0x0403, "Future Technology Devices International")
	t.AddProduct(0x0403, 0x6001, "FT232 serial UART")
	t.AddProduct(0x0403, 0x6015, "FT231X serial UART")
}

// AddVendor adds a vendor to the table
func (t *HardwareTable) AddVendor(vendorID gousb.ID, name string) {
	if _, exists := t.vendors[vendorID]; exists {
		return
	}
	t.vendors[vendorID] = &VendorInfo{Name: name, products: make(map[gousb.ID]string)}
}

// AddProduct adds a product to an existing vendor
func (t *HardwareTable) AddProduct(vendorID, productID gousb.ID, name string) {
	if vendor, exists := t.vendors[vendorID]; exists {
		vendor.products[productID] = name
	}
}

// Lookup returns the product name for a VID:PID pair
func (t *HardwareTable) Lookup(vendorID, productID gousb.ID) (string, bool) {
	vendor, exists := t.vendors[vendorID]
	if !exists {
		return "", false
	}
	name, exists := vendor.products[productID]
	return name, exists
}

// MatchIDs matches the hex strings reported by the port enumerator
func (t *HardwareTable) MatchIDs(vid, pid string) (string, bool) {
	vendorID, ok := parseID(vid)
	if !ok {
		return "", false
	}
	productID, ok := parseID(pid)
	if !ok {
		return "", false
	}
	return t.Lookup(vendorID, productID)
}

// Describe names a USB device for display. Boards in the table use their own
// names; anything else falls back to the public usb.ids database.
func (t *HardwareTable) Describe(vid, pid string) string {
	vendorID, ok := parseID(vid)
	if !ok {
		return ""
	}
	productID, ok := parseID(pid)
	if !ok {
		return ""
	}
	if name, ok := t.Lookup(vendorID, productID); ok {
		return name
	}
	if _, known := usbid.Vendors[vendorID]; !known {
		return ""
	}
	return usbid.Describe(&gousb.DeviceDesc{Vendor: vendorID, Product: productID})
}

// MatchDescription reports whether a port description names a known board or bridge
func (t *HardwareTable) MatchDescription(description string) bool {
	lower := strings.ToLower(description)
	if lower == "" {
		return false
	}
	for _, keyword := range t.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// ProductCount returns the number of known products
func (t *HardwareTable) ProductCount() int {
	total := 0
	for _, vendor := range t.vendors {
		total += len(vendor.products)
	}
	return total
}

func parseID(s string) (gousb.ID, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return gousb.ID(v), true
}
