/*
 * Copyright (c) 2023. zfsd authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zfsd.pid")
	pf, err := Open(path)
	require.NoError(t, err)
	defer pf.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestOpenSecondInstanceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zfsd.pid")
	first, err := Open(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestCloseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zfsd.pid")
	pf, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, pf.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseOnNilReceiverIsNoop(t *testing.T) {
	var pf *PIDFile
	assert.NoError(t, pf.Close())
}

func TestReopenAfterCloseSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zfsd.pid")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
}
