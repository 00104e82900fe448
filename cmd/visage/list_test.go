package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListHandler(t *testing.T) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	handlerErr := ListHandler(newListCmd(), nil)

	require.NoError(t, w.Close())
	os.Stdout = orig
	require.NoError(t, handlerErr)

	out, err := io.ReadAll(r)
	require.NoError(t, err)

	for _, want := range []string{
		"COMPONENT",
		"basenet", "vit",
		"sgd", "adamw",
		"cross_entropy", "focal",
		"mask_base", "mask_profile",
		"flip",
	} {
		require.Contains(t, string(out), want)
	}
}
