package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-ble/ble"

	"github.com/obdsol/stn-updater/pkg/firmware"
	"github.com/obdsol/stn-updater/pkg/framedio"
	"github.com/obdsol/stn-updater/pkg/reset"
	tble "github.com/obdsol/stn-updater/pkg/transport/ble"
	"github.com/obdsol/stn-updater/pkg/transport/serial"
	"github.com/obdsol/stn-updater/pkg/updater"

	tredis "github.com/obdsol/stn-updater/pkg/telemetry/redis"
)

// Configuration flags
var (
	serialPort  = flag.String("port", "/dev/ttyUSB0", "Serial device path (ignored when -ble is set)")
	baudRate    = flag.Int("baud", 115200, "Serial baud rate")
	flowControl = flag.Bool("flow-control", false, "Enable RTS flow control on the serial port")
	useBLE      = flag.Bool("ble", false, "Connect over BLE instead of serial")
	bleTimeout  = flag.Duration("ble-timeout", 10*time.Second, "Time to scan for the BLE adapter before giving up")
	redisAddr   = flag.String("redis-addr", "", "Redis server address for progress telemetry (disabled if empty)")
	redisPass   = flag.String("redis-pass", "", "Redis password")
	redisDB     = flag.Int("redis-db", 0, "Redis database number")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <firmware-image.stnfw>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	imagePath := flag.Arg(0)

	if err := run(imagePath); err != nil {
		log.Fatalf("update failed: %v", err)
	}
	log.Printf("firmware update complete")
}

func run(imagePath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening firmware image: %w", err)
	}
	defer f.Close()

	img, err := firmware.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing firmware image: %w", err)
	}
	log.Printf("loaded %s: %d descriptor(s), %d device id(s)", imagePath, len(img.Descriptors), len(img.DeviceIDs))

	var telemetry *tredis.Publisher
	if *redisAddr != "" {
		telemetry, err = tredis.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer telemetry.Close()
	}

	stream, closeStream, err := openStream()
	if err != nil {
		if telemetry != nil {
			telemetry.Failed(err)
		}
		return err
	}
	defer closeStream()

	if telemetry != nil {
		telemetry.State(tredis.StateConnecting, imagePath)
	}

	u := updater.New(stream, reset.ATZ{}, updater.DefaultConfig())

	progress := func(chunkIdx, numChunks int) {
		log.Printf("chunk %d/%d", chunkIdx+1, numChunks)
		if telemetry != nil {
			telemetry.Progress(chunkIdx+1, numChunks)
		}
	}

	if err := u.UploadFirmware(img, progress); err != nil {
		if telemetry != nil {
			telemetry.Failed(err)
		}
		return fmt.Errorf("updating firmware: %w", err)
	}

	if telemetry != nil {
		telemetry.State(tredis.StateComplete, imagePath)
	}
	return nil
}

// openStream opens the configured transport and returns it alongside a
// close func, so callers don't need to type-switch on the concrete
// transport to tear it down.
func openStream() (framedio.Stream, func() error, error) {
	if *useBLE {
		ctx, cancel := context.WithTimeout(context.Background(), *bleTimeout)
		defer cancel()

		filter := func(a ble.Advertisement) bool {
			for _, u := range a.Services() {
				if u.Equal(tble.ServiceUUID) {
					return true
				}
			}
			return false
		}

		log.Printf("scanning for BLE adapter (service %s, timeout %s)...", tble.ServiceUUID, *bleTimeout)
		stream, err := tble.Dial(ctx, filter)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting over ble: %w", err)
		}
		return stream, stream.Close, nil
	}

	log.Printf("opening serial port %s at %d baud", *serialPort, *baudRate)
	port, err := serial.Open(*serialPort, *baudRate, *flowControl)
	if err != nil {
		return nil, nil, fmt.Errorf("opening serial port: %w", err)
	}
	return port, port.Close, nil
}
