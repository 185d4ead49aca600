// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables set by the process launcher.
const (
	EnvWorldSize = "WORLD_SIZE"
	EnvRank      = "RANK"
	EnvLocalRank = "LOCAL_RANK"

	// EnvMasterAddr and EnvMasterPort locate the coordinator (rank 0) of a multi-process launch.
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// Defaults for the coordinator address, if not set in the environment.
const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
)

// Env describes where this process sits in a multi-process launch.
type Env struct {
	WorldSize, Rank, LocalRank int

	// MasterAddr and MasterPort is where the coordinator listens for the other replicas.
	MasterAddr string
	MasterPort int
}

// Addr returns the "host:port" address of the coordinator.
func (e Env) Addr() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}

// Distributed returns whether there is more than one replica.
func (e Env) Distributed() bool {
	return e.WorldSize > 1
}

// BootstrapFromEnv reads the launcher's environment variables. If WORLD_SIZE is not set, it
// returns a single-replica Env.
func BootstrapFromEnv() (Env, error) {
	return bootstrap(os.LookupEnv)
}

func bootstrap(lookup func(string) (string, bool)) (Env, error) {
	env := Env{WorldSize: 1, MasterAddr: DefaultMasterAddr, MasterPort: DefaultMasterPort}
	if addr, found := lookup(EnvMasterAddr); found && addr != "" {
		env.MasterAddr = addr
	}
	readInt := func(name string, target *int) error {
		value, found := lookup(name)
		if !found || value == "" {
			return nil
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid environment variable %s=%q", name, value)
		}
		*target = v
		return nil
	}
	for _, v := range []struct {
		name   string
		target *int
	}{
		{EnvWorldSize, &env.WorldSize},
		{EnvRank, &env.Rank},
		{EnvLocalRank, &env.LocalRank},
		{EnvMasterPort, &env.MasterPort},
	} {
		if err := readInt(v.name, v.target); err != nil {
			return Env{}, err
		}
	}
	if env.WorldSize < 1 {
		return Env{}, errors.Errorf("%s must be >= 1, got %d", EnvWorldSize, env.WorldSize)
	}
	if env.Rank < 0 || env.Rank >= env.WorldSize {
		return Env{}, errors.Errorf("%s=%d out of range for %s=%d", EnvRank, env.Rank, EnvWorldSize, env.WorldSize)
	}
	if env.LocalRank < 0 {
		return Env{}, errors.Errorf("%s must be >= 0, got %d", EnvLocalRank, env.LocalRank)
	}
	if env.MasterPort < 0 || env.MasterPort > 65535 {
		return Env{}, errors.Errorf("%s=%d is not a valid port", EnvMasterPort, env.MasterPort)
	}
	return env, nil
}
