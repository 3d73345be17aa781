package main

import (
	"resonancegraphs"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: resonancegraphs.Tester},
		resource.APIModel{API: sensor.API, Model: resonancegraphs.StatusSensor},
	)
}
