package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"kasirledger/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	require.Error(t, err)

	err = validateSecurityConfig(config.Config{
		AuthSecret:          "0123456789abcdef0123456789abcdef",
		SeedDemoData:        true,
		SeedAdminPassword:   "admin",
		SeedCashierPassword: "cashier-pass",
	})
	require.ErrorContains(t, err, "SEED_ADMIN_PASSWORD")

	err = validateSecurityConfig(config.Config{
		AuthSecret:          "0123456789abcdef0123456789abcdef",
		SeedDemoData:        true,
		SeedAdminPassword:   "same-password",
		SeedCashierPassword: "same-password",
	})
	require.Error(t, err)
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	require.NoError(t, validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"}))
	require.NoError(t, validateSecurityConfig(config.Config{
		AuthSecret:          "0123456789abcdef0123456789abcdef",
		SeedDemoData:        true,
		SeedAdminPassword:   "admin-pass-1",
		SeedCashierPassword: "cashier-pass-1",
	}))
}

func TestOpenRepositoryDrivers(t *testing.T) {
	ctx := context.Background()

	mem, err := openRepository(ctx, config.Config{StoreDriver: config.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	lite, err := openRepository(ctx, config.Config{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "pos.db")})
	require.NoError(t, err)
	products, err := lite.ListProducts(ctx)
	require.NoError(t, err)
	require.Empty(t, products)
	require.NoError(t, lite.Close())

	_, err = openRepository(ctx, config.Config{StoreDriver: "oracle"})
	require.Error(t, err)
}

func TestCloseAllRunsEveryCloserInReverse(t *testing.T) {
	var order []int
	closeAll(zerolog.Nop(), []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("already closed") },
		func() error { order = append(order, 3); return nil },
	})
	require.Equal(t, []int{3, 2, 1}, order)
}
