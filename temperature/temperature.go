// Package temperature converts between temperature scales.  Everything in
// this module works in Celsius; instruments that report other units are
// converted at the driver boundary.
package temperature

import "fmt"

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64

	// Fahrenheit is a temperature in deg F
	Fahrenheit float64
)

// C2F converts a temp in Celsius to Fahrenheit
func C2F(c Celsius) Fahrenheit {
	return Fahrenheit(c*9/5 + 32)
}

// C2K converts a temp in Celsius to Kelvin
func C2K(c Celsius) Kelvin {
	return Kelvin(c + 273.15)
}

// K2C converts a temp in Kelvin to Celsius
func K2C(k Kelvin) Celsius {
	return Celsius(k - 273.15)
}

// F2C converts a temp in Fahrenheit to Celcius
func F2C(f Fahrenheit) Celsius {
	return Celsius((f - 32) * 5 / 9)
}

// ToCelsius converts value in the given unit to Celsius.  unit is the
// suffix a multimeter attaches to a reading: "C", "_C", "K", "F" and
// their "deg" spellings are understood.
func ToCelsius(value float64, unit string) (Celsius, error) {
	switch unit {
	case "C", "_C", "degC":
		return Celsius(value), nil
	case "K", "_K":
		return K2C(Kelvin(value)), nil
	case "F", "_F", "degF":
		return F2C(Fahrenheit(value)), nil
	}
	return 0, fmt.Errorf("do not know how to convert unit %q to Celsius", unit)
}
