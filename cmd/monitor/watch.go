package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vehicle-monitor/internal/device"
	"vehicle-monitor/internal/domain/anpr"
	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/parking"
	"vehicle-monitor/internal/stream"
)

func newCamerasCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cameras",
		Short: "List capture sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			inv := device.NewInventory(device.NewSysfsLister(), a.log)
			sources, err := inv.Refresh(cmd.Context())
			if err != nil {
				cmd.PrintErrf("warning: camera enumeration failed: %v\n", err)
			}
			if len(sources) == 0 {
				cmd.Println("No cameras found.")
				return nil
			}
			for _, src := range sources {
				cmd.Printf("%s\t%s\n", src.ID, src.Label)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		camera   string
		frameOut string
		seed     uint64
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live detections from a camera",
		Long: "Stream live detections from a camera and show the parking board.\n" +
			"Requires a session from 'monitor login'.\n\n" + sessionHint,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			gate := a.auth.Gate(cmd.Context(), "watch")
			if !gate.Allowed() {
				return a.gateError(gate.Redirect, gate.Cause)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inv := device.NewInventory(device.NewSysfsLister(), a.log)
			inventoryDone := inv.RefreshAsync(ctx)

			streamURL, err := a.cfg.StreamURL()
			if err != nil {
				return err
			}
			header := http.Header{}
			if tok, ok := a.store.AccessToken(); ok {
				header.Set("Authorization", "Bearer "+tok)
			}
			dialer := stream.NewSocketIODialer(streamURL, header, a.log.With().Str("component", "socketio").Logger())
			sess := stream.NewSession(dialer, stream.Config{
				ReconnectAttempts: a.cfg.Stream.ReconnectAttempts,
				ConnectTimeout:    a.cfg.Stream.ConnectTimeout,
				ReconnectDelay:    a.cfg.Stream.ReconnectDelay,
			}, a.log.With().Str("component", "stream").Logger())
			defer sess.Close()

			board := parking.NewState(a.log.With().Str("component", "parking").Logger())
			go func() {
				source := parking.NewSimulatedSource(a.cfg.Parking.Slots, seed)
				_ = board.Run(ctx, source, a.cfg.Parking.RefreshInterval)
			}()

			authEvents, cancelAuth := a.auth.Subscribe()
			defer cancelAuth()
			updates, cancelUpdates := sess.Subscribe()
			defer cancelUpdates()

			if err := sess.Start(camera); err != nil {
				return err
			}

			view := &watchView{cmd: cmd, board: board, frameOut: frameOut}
			for {
				select {
				case <-ctx.Done():
					sess.Stop()
					return nil
				case <-inventoryDone:
					inventoryDone = nil
					if diag := inv.Diagnostic(); diag != nil {
						cmd.PrintErrf("warning: camera enumeration failed: %v\n", diag)
					} else if !hasSource(inv.Sources(), camera) {
						cmd.PrintErrf("warning: camera %s is not attached locally\n", camera)
					}
				case ev := <-authEvents:
					if ev.State == auth.StateUnauthenticated {
						sess.Stop()
						return errors.New("session ended")
					}
				case st, ok := <-updates:
					if !ok {
						return nil
					}
					view.render(st)
					if st.Status == anpr.StatusError {
						sess.Stop()
						return st.Err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&camera, "camera", "0", "Camera index to stream")
	cmd.Flags().StringVar(&frameOut, "frame-out", "", "Write the latest frame to this file")
	cmd.Flags().Uint64Var(&seed, "parking-seed", 1, "Seed of the simulated parking board")
	return cmd
}

func hasSource(sources []anpr.CaptureSource, id string) bool {
	for _, src := range sources {
		if src.ID == id {
			return true
		}
	}
	return false
}

// watchView prints a line whenever the status or the detection changes.
type watchView struct {
	cmd      *cobra.Command
	board    *parking.State
	frameOut string

	lastStatus   anpr.StreamStatus
	lastSnapshot anpr.Snapshot
	started      bool
}

func (v *watchView) render(st stream.State) {
	if !v.started || st.Status != v.lastStatus {
		v.cmd.Printf("[%s] camera %s\n", st.Status, st.CameraIndex)
		if st.Err != nil && st.Status == anpr.StatusError {
			v.cmd.PrintErrf("error: %v\n", st.Err)
		}
	}
	v.started = true
	v.lastStatus = st.Status

	if st.Status != anpr.StatusStreaming {
		return
	}

	if v.frameOut != "" && len(st.Frame) > 0 {
		if err := writeFrame(v.frameOut, st.Frame); err != nil {
			v.cmd.PrintErrf("warning: %v\n", err)
		}
	}

	if st.Snapshot == v.lastSnapshot || st.Snapshot.VehicleClass == "" {
		return
	}
	v.lastSnapshot = st.Snapshot

	sum := v.board.Summary()
	v.cmd.Printf("%-12s plate=%-10s color=%-8s conf=%.2f fps=%.1f | parking %d/%d occupied (%d%%) %s\n",
		st.Snapshot.VehicleClass,
		st.Snapshot.PlateText,
		st.Snapshot.ColorAnnotation,
		st.Snapshot.Confidence,
		st.FPS,
		sum.Occupied,
		sum.Total,
		parking.OccupancyPercent(sum),
		parking.CapacityStatus(sum),
	)
}

func writeFrame(path string, frame []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, frame, 0o644); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
