package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
)

const (
	// DefaultRequestActivity is the manager component started as the
	// last resort.
	DefaultRequestActivity = ".ui.surequest.SuRequestActivity"

	// activityFlags is NEW_TASK|MULTIPLE_TASK|NO_ANIMATION|EXCLUDE_FROM_RECENTS|
	// INCLUDE_STOPPED_PACKAGES.
	activityFlags = "0x18800020"

	fireTimeout = 30 * time.Second
)

// RuntimeImage returns the app_process binary to run framework commands
// with. It is consulted on every launch since runtime injection can be
// toggled while the daemon runs.
type RuntimeImage func() string

// LaunchStrategy is one mechanism for reaching the companion app.
type LaunchStrategy interface {
	Name() string
	Launch(ctx context.Context, mgr domain.ManagerInfo, action string, extras []domain.Extra) error
}

func frameworkCommand(image, classpath, class string, args ...string) Command {
	return Command{
		Path: image,
		Args: append([]string{"/system/bin", class}, args...),
		Env:  []string{"CLASSPATH=" + classpath},
	}
}

// checkOutput fails when any output line starts with the framework's error
// marker. The framework tools exit 0 on most failures.
func checkOutput(out []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Error") {
			return errors.New(line)
		}
	}
	return nil
}

// ContentProviderStrategy calls the manager's content provider.
type ContentProviderStrategy struct {
	runner CommandRunner
	image  RuntimeImage
}

// NewContentProviderStrategy creates the content provider strategy.
func NewContentProviderStrategy(runner CommandRunner, image RuntimeImage) *ContentProviderStrategy {
	return &ContentProviderStrategy{runner: runner, image: image}
}

func (s *ContentProviderStrategy) Name() string { return "content-provider" }

func (s *ContentProviderStrategy) Launch(ctx context.Context, mgr domain.ManagerInfo, action string, extras []domain.Extra) error {
	args := []string{
		"call",
		"--uri", "content://" + mgr.Package + ".provider",
		"--user", strconv.Itoa(domain.ToUserID(mgr.UID)),
		"--method", action,
	}
	for _, e := range extras {
		args = append(args, "--extra", contentExtra(e))
	}
	out, err := s.runner.Output(ctx, frameworkCommand(s.image(),
		"/system/framework/content.jar", "com.android.commands.content.Content", args...))
	if err != nil {
		return err
	}
	return checkOutput(out)
}

func contentExtra(e domain.Extra) string {
	switch e.Kind {
	case domain.ExtraInt:
		return e.Key + ":i:" + strconv.Itoa(e.Int)
	case domain.ExtraBool:
		return e.Key + ":b:" + strconv.FormatBool(e.Bool)
	default:
		return e.Key + ":s:" + e.Str
	}
}

func intentExtras(action string, extras []domain.Extra) []string {
	args := []string{"--es", "action", action}
	for _, e := range extras {
		switch e.Kind {
		case domain.ExtraInt:
			args = append(args, "--ei", e.Key, strconv.Itoa(e.Int))
		case domain.ExtraBool:
			args = append(args, "--ez", e.Key, strconv.FormatBool(e.Bool))
		default:
			args = append(args, "--es", e.Key, e.Str)
		}
	}
	return args
}

func amCommand(image string, target []string, user int, action string, extras []domain.Extra) Command {
	args := append([]string{"start"}, target...)
	args = append(args,
		"--user", strconv.Itoa(user),
		"-a", "android.intent.action.VIEW",
		"-f", activityFlags,
	)
	args = append(args, intentExtras(action, extras)...)
	return frameworkCommand(image, "/system/framework/am.jar", "com.android.commands.am.Am", args...)
}

// ActivityByPackageStrategy starts the manager's activity resolved by
// package name.
type ActivityByPackageStrategy struct {
	runner CommandRunner
	image  RuntimeImage
}

// NewActivityByPackageStrategy creates the package-resolved activity strategy.
func NewActivityByPackageStrategy(runner CommandRunner, image RuntimeImage) *ActivityByPackageStrategy {
	return &ActivityByPackageStrategy{runner: runner, image: image}
}

func (s *ActivityByPackageStrategy) Name() string { return "activity-by-package" }

func (s *ActivityByPackageStrategy) Launch(ctx context.Context, mgr domain.ManagerInfo, action string, extras []domain.Extra) error {
	cmd := amCommand(s.image(), []string{"-p", mgr.Package}, domain.ToUserID(mgr.UID), action, extras)
	out, err := s.runner.Output(ctx, cmd)
	if err != nil {
		return err
	}
	return checkOutput(out)
}

// ExplicitComponentStrategy starts a named manager component. It is
// fire-and-forget: a successful spawn counts as success.
type ExplicitComponentStrategy struct {
	runner    CommandRunner
	image     RuntimeImage
	component string
}

// NewExplicitComponentStrategy creates the explicit component strategy.
// component is relative to the manager package, e.g. ".ui.MainActivity".
func NewExplicitComponentStrategy(runner CommandRunner, image RuntimeImage, component string) *ExplicitComponentStrategy {
	return &ExplicitComponentStrategy{runner: runner, image: image, component: component}
}

func (s *ExplicitComponentStrategy) Name() string { return "explicit-component" }

func (s *ExplicitComponentStrategy) Launch(ctx context.Context, mgr domain.ManagerInfo, action string, extras []domain.Extra) error {
	target := []string{"-n", mgr.Package + "/" + s.component}
	return s.runner.Start(amCommand(s.image(), target, domain.ToUserID(mgr.UID), action, extras))
}

// AppLauncherImpl tries launch strategies in order.
type AppLauncherImpl struct {
	strategies []LaunchStrategy
	logger     *zap.Logger
}

// NewAppLauncher creates the default three-step launcher.
func NewAppLauncher(runner CommandRunner, image RuntimeImage, logger *zap.Logger) *AppLauncherImpl {
	return NewAppLauncherWithStrategies(logger,
		NewContentProviderStrategy(runner, image),
		NewActivityByPackageStrategy(runner, image),
		NewExplicitComponentStrategy(runner, image, DefaultRequestActivity),
	)
}

// NewAppLauncherWithStrategies creates a launcher with custom strategies.
func NewAppLauncherWithStrategies(logger *zap.Logger, strategies ...LaunchStrategy) *AppLauncherImpl {
	return &AppLauncherImpl{strategies: strategies, logger: logger}
}

// Invoke returns nil as soon as one strategy succeeds.
func (l *AppLauncherImpl) Invoke(ctx context.Context, mgr domain.ManagerInfo, action string, extras []domain.Extra) error {
	var errs []error
	for _, s := range l.strategies {
		err := s.Launch(ctx, mgr, action, extras)
		if err == nil {
			l.logger.Debug("manager invoked",
				zap.String("strategy", s.Name()),
				zap.String("action", action))
			return nil
		}
		l.logger.Debug("launch strategy failed",
			zap.String("strategy", s.Name()),
			zap.String("action", action),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrAppInvocation, errors.Join(errs...))
}

// Fire invokes in the background without waiting for a result.
func (l *AppLauncherImpl) Fire(mgr domain.ManagerInfo, action string, extras []domain.Extra) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		if err := l.Invoke(ctx, mgr, action, extras); err != nil {
			l.logger.Warn("notification not delivered", zap.String("action", action), zap.Error(err))
		}
	}()
}

var _ domain.AppLauncher = (*AppLauncherImpl)(nil)
