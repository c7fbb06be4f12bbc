package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/config"
	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"
	"github.com/livekit/svc-forwarder/pkg/service"
	"github.com/livekit/svc-forwarder/pkg/telemetry/prometheus"
)

func replay(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	for _, path := range c.Args().Slice() {
		conf.Replay.Inputs = append(conf.Replay.Inputs, config.ReplayInputConfig{
			Path:      path,
			MimeType:  c.String("mime-type"),
			ClockRate: 90000,
		})
	}
	if format := c.String("format"); format != "" {
		conf.Replay.ReportFormat = format
	}

	if memProfile := c.String("memprofile"); memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	if err := prometheus.Init(nodeID(), nil); err != nil {
		return err
	}

	r, err := service.InitializeReplay(conf)
	if err != nil {
		return err
	}

	if c.Bool("status") {
		status := service.NewStatusServer(conf, r)
		go func() {
			if err := status.Start(); err != nil {
				logger.Errorw("could not start status server", err)
			}
		}()
		defer status.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	go func() {
		sig, ok := <-sigChan
		if ok {
			logger.Infow("exit requested, stopping replay", "signal", sig)
			r.Stop()
		}
	}()

	runErr := r.Run(context.Background())
	if err := r.Report().Render(os.Stdout, conf.Replay.ReportFormat); err != nil {
		return err
	}
	return runErr
}

func decodeDependencyDescriptor(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("missing dependency descriptor")
	}

	var structure *dd.TemplateDependencyStructure
	if c.NArg() > 1 {
		// the structure comes from an earlier packet
		attached, err := parseDependencyDescriptor(c.Args().Get(1), nil)
		if err != nil {
			return errors.Wrap(err, "could not parse structure")
		}
		if attached.AttachedStructure == nil {
			return errors.New("second descriptor does not attach a structure")
		}
		structure = attached.AttachedStructure
	}

	descriptor, err := parseDependencyDescriptor(c.Args().Get(0), structure)
	if err != nil {
		return err
	}
	fmt.Println(descriptor.String())

	if descriptor.AttachedStructure != nil {
		structure = descriptor.AttachedStructure
		fmt.Println(structure.String())
	}
	if structure != nil {
		if template, err := descriptor.FrameDependencies(structure); err == nil {
			fmt.Println(template.String())
		}
		fmt.Printf("decode targets: %+v\n", dd.DecodeTargetLayers(structure))
	}
	return nil
}

func parseDependencyDescriptor(s string, structure *dd.TemplateDependencyStructure) (*dd.DependencyDescriptor, error) {
	buf, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x"))
	if err != nil {
		return nil, err
	}

	descriptor, _, err := dd.ParseDependencyDescriptor(buf, structure)
	return descriptor, err
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func nodeID() string {
	hostname, _ := os.Hostname()
	return "SF_" + base62.EncodeToString([]byte(fmt.Sprintf("%s|%d", hostname, os.Getpid())))
}
