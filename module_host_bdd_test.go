package modhost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

var (
	errLoadSucceeded  = errors.New("load succeeded but a failure was expected")
	errLeaseNotHeld   = errors.New("no lease is held")
	errUnloadRejected = errors.New("unload did not succeed")
	errUnloadAccepted = errors.New("unload succeeded while a lease was held")
	errSameInstance   = errors.New("reload returned the same instance")
)

type moduleHostBDDContext struct {
	t       *testing.T
	catalog *testCatalog
	loader  *Loader
	result  *LoadResult
	release func()
	before  Module
}

func (c *moduleHostBDDContext) aModuleCatalog() error {
	c.catalog = newTestCatalog(c.t)
	c.loader = nil
	c.result = nil
	c.release = nil
	c.before = nil
	return nil
}

func (c *moduleHostBDDContext) aModule(name, version string) error {
	c.catalog.add(c.t, newTestModule(name, version))
	return nil
}

func (c *moduleHostBDDContext) aModuleRequiring(name, version, dep, versionRange string) error {
	c.catalog.add(c.t, newTestModule(name, version).requires(dep, versionRange))
	return nil
}

func (c *moduleHostBDDContext) aModuleOptionallyUsing(name, version, dep string) error {
	c.catalog.add(c.t, newTestModule(name, version).optional(dep, "*"))
	return nil
}

func (c *moduleHostBDDContext) iLoadTheModules() error {
	cfg := testConfig()
	cfg.UnloadTimeout = 50 * time.Millisecond
	c.loader = newTestLoader(cfg, c.catalog.Catalog)
	c.result = c.loader.Load(context.Background())
	return nil
}

func (c *moduleHostBDDContext) theLoadShouldSucceed() error {
	if !c.result.Success {
		return fmt.Errorf("load failed: %s", c.result.ErrorMessage)
	}
	return nil
}

func (c *moduleHostBDDContext) theLoadShouldFailWith(msg string) error {
	if c.result.Success {
		return errLoadSucceeded
	}
	if !strings.Contains(c.result.ErrorMessage, msg) {
		return fmt.Errorf("error %q does not contain %q", c.result.ErrorMessage, msg)
	}
	return nil
}

func (c *moduleHostBDDContext) theLoadOrderShouldBe(order string) error {
	got := strings.Join(c.loader.Order(), ", ")
	if got != order {
		return fmt.Errorf("load order is %q, want %q", got, order)
	}
	return nil
}

func (c *moduleHostBDDContext) noModulesShouldBeLoaded() error {
	if names := c.loader.Order(); len(names) > 0 {
		return fmt.Errorf("modules still loaded: %v", names)
	}
	return nil
}

func (c *moduleHostBDDContext) iHoldALeaseOn(name string) error {
	_, release, err := c.loader.Acquire(name)
	if err != nil {
		return err
	}
	c.release = release
	return nil
}

func (c *moduleHostBDDContext) iReleaseTheLease() error {
	if c.release == nil {
		return errLeaseNotHeld
	}
	c.release()
	c.release = nil
	return nil
}

func (c *moduleHostBDDContext) unloadingShouldTimeOut(name string) error {
	if c.loader.Unload(context.Background(), name, 0) {
		return errUnloadAccepted
	}
	return nil
}

func (c *moduleHostBDDContext) unloadingShouldSucceed(name string) error {
	if !c.loader.Unload(context.Background(), name, 0) {
		return errUnloadRejected
	}
	return nil
}

func (c *moduleHostBDDContext) iReload(name string) error {
	c.before, _ = c.loader.Get(name)
	_, err := c.loader.Reload(context.Background(), name)
	return err
}

func (c *moduleHostBDDContext) shouldBeANewInstance(name string) error {
	after, ok := c.loader.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if after == c.before {
		return errSameInstance
	}
	return nil
}

func initializeModuleHostScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(ctx *godog.ScenarioContext) {
		c := &moduleHostBDDContext{t: t}

		ctx.Step(`^a module catalog$`, c.aModuleCatalog)
		ctx.Step(`^a module "([^"]*)" version "([^"]*)"$`, c.aModule)
		ctx.Step(`^a module "([^"]*)" version "([^"]*)" requiring "([^"]*)" in range "([^"]*)"$`, c.aModuleRequiring)
		ctx.Step(`^a module "([^"]*)" version "([^"]*)" optionally using "([^"]*)"$`, c.aModuleOptionallyUsing)
		ctx.Step(`^I load the modules$`, c.iLoadTheModules)
		ctx.Step(`^the load should succeed$`, c.theLoadShouldSucceed)
		ctx.Step(`^the load should fail with "([^"]*)"$`, c.theLoadShouldFailWith)
		ctx.Step(`^the load order should be "([^"]*)"$`, c.theLoadOrderShouldBe)
		ctx.Step(`^no modules should be loaded$`, c.noModulesShouldBeLoaded)
		ctx.Step(`^I hold a lease on "([^"]*)"$`, c.iHoldALeaseOn)
		ctx.Step(`^I release the lease$`, c.iReleaseTheLease)
		ctx.Step(`^unloading "([^"]*)" should time out$`, c.unloadingShouldTimeOut)
		ctx.Step(`^unloading "([^"]*)" should succeed$`, c.unloadingShouldSucceed)
		ctx.Step(`^I reload "([^"]*)"$`, c.iReload)
		ctx.Step(`^"([^"]*)" should be a new instance$`, c.shouldBeANewInstance)

		ctx.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
			if c.release != nil {
				c.release()
			}
			return ctx, nil
		})
	}
}

func TestModuleHostFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeModuleHostScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_host.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
