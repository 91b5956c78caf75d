package main

import (
	"flag"
	"log"
	"strings"
	"time"

	max31856 "github.com/sakociukai/pico-max31856"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func main() {
	bus := flag.String("bus", "", "Name of the SPI port")
	drdy := flag.String("drdy", "", "Name of the GPIO pin wired to DRDY; empty polls once per second instead")
	tcType := flag.String("type", "K", "Thermocouple type (B, E, J, K, N, R, S or T)")
	avg := flag.Int("avg", 1, "Samples averaged per conversion (1, 2, 4, 8 or 16)")
	oneShot := flag.Bool("oneshot", false, "Use one-shot conversions instead of continuous mode")
	filter50 := flag.Bool("50hz", false, "Reject 50Hz mains noise instead of 60Hz")
	flag.Parse()

	_, err := host.Init()
	if err != nil {
		log.Fatal(err)
	}

	sb, err := spireg.Open(*bus)
	if err != nil {
		log.Fatal(err)
	}

	opts := max31856.DefaultOpts()
	opts.ContinuousMode = !*oneShot
	opts.Filter50Hz = *filter50

	switch strings.ToUpper(*tcType) {
	case "B":
		opts.Type = max31856.TypeB
	case "E":
		opts.Type = max31856.TypeE
	case "J":
		opts.Type = max31856.TypeJ
	case "K":
		opts.Type = max31856.TypeK
	case "N":
		opts.Type = max31856.TypeN
	case "R":
		opts.Type = max31856.TypeR
	case "S":
		opts.Type = max31856.TypeS
	case "T":
		opts.Type = max31856.TypeT
	default:
		log.Fatal("Invalid thermocouple type")
	}

	switch *avg {
	case 1:
		opts.Averaging = max31856.Avg1
	case 2:
		opts.Averaging = max31856.Avg2
	case 4:
		opts.Averaging = max31856.Avg4
	case 8:
		opts.Averaging = max31856.Avg8
	case 16:
		opts.Averaging = max31856.Avg16
	default:
		log.Fatal("Invalid averaging")
	}

	dev, err := max31856.New(sb, opts)
	if err != nil {
		log.Fatal(err)
	}

	if *drdy != "" {
		pin := gpioreg.ByName(*drdy)
		if pin == nil {
			log.Fatalf("No such pin: %s", *drdy)
		}
		err = dev.OnDataReady(pin, func(r max31856.Reading) {
			if r.Err != nil {
				log.Print(r.Err)
				return
			}
			if r.Fault != 0 {
				log.Printf("Fault: %v", r.Fault)
			}
			log.Printf("Temperature: %.4f", r.Temperature.Celsius())
		})
		if err != nil {
			log.Fatal(err)
		}
		select {}
	}

	ticker := time.NewTicker(1 * time.Second)

	for {
		var e physic.Env
		err = dev.Sense(&e)
		if err != nil {
			log.Print(err)
		}
		log.Printf("Temperature: %.4f", e.Temperature.Celsius())

		cj, err := dev.ReadColdJunction()
		if err != nil {
			log.Print(err)
		} else {
			log.Printf("Cold junction: %.4f", cj.Celsius())
		}

		<-ticker.C
	}
}
