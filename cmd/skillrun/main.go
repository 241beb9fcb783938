// Skillrun executes one skill against a Sekisho broker.
//
// Usage:
//
//	skillrun [-local] <skill-dir> <task>
//
// The skill directory must contain a skill.yaml (or skill.json) manifest and
// optionally a SKILL.md with instructions. By default the skill runs in a
// Docker container attached to an internal network, holding a scoped token
// that covers exactly the manifest's declared capabilities. With -local the
// skill is described without any container, secret, or network access.
//
// Environment variables:
//
//	SEKISHO_BROKER_URL           - broker base URL (required unless -local)
//	SEKISHO_AGENT_TOKEN          - agent token used to mint the scoped token
//	SEKISHO_BROKER_URL_CONTAINER - broker URL as seen from inside the skill
//	                               network (default: SEKISHO_BROKER_URL)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bdobrica/sekisho/common/environment"
	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/common/spec/skill"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/skill/runner"
	"github.com/bdobrica/sekisho/internal/skill/runtime/docker"
)

func main() {
	local := flag.Bool("local", false, "describe the skill locally without a container")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}
	skillDir := flag.Arg(0)
	task := strings.Join(flag.Args()[1:], " ")

	manifest, err := skill.Load(skillDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load skill: %v\n", err)
		os.Exit(1)
	}

	mode := runner.ModeContainer
	if *local {
		mode = runner.ModeLocal
	}

	brokerURL := environment.StringOr("SEKISHO_BROKER_URL", "")
	agentToken := environment.StringOr("SEKISHO_AGENT_TOKEN", "")
	containerURL := environment.StringOr("SEKISHO_BROKER_URL_CONTAINER", brokerURL)

	if mode == runner.ModeContainer {
		if brokerURL == "" {
			fmt.Fprintf(os.Stderr, "Error: SEKISHO_BROKER_URL is required\n")
			os.Exit(1)
		}
		if agentToken == "" {
			fmt.Fprintf(os.Stderr, "Error: SEKISHO_AGENT_TOKEN is required\n")
			os.Exit(1)
		}
	}

	var rt *docker.Adapter
	if mode == runner.ModeContainer {
		rt, err = docker.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Docker: %v\n", err)
			os.Exit(1)
		}
	}

	reg := scrub.New()
	reg.Register("agent_token", agentToken)

	r := runner.New(rt, &runner.BrokerClient{BaseURL: brokerURL}, containerURL, reg, audit.Discard)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := r.Run(ctx, manifest, task, agentToken, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Skill run failed: %v\n", reg.Scrub(err.Error()))
		os.Exit(1)
	}

	fmt.Printf("run: %s\n", res.RunID)
	if res.Degraded {
		fmt.Println("mode: degraded (no scoped token)")
	}
	if res.Output != "" {
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "%s\n", res.Error)
	}
	if res.TimedOut {
		fmt.Fprintf(os.Stderr, "skill timed out after %dms\n", res.DurationMS)
	}
	if !res.OK {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-local] <skill-dir> <task>\n", os.Args[0])
	flag.PrintDefaults()
}
