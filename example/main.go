package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	exparo "github.com/exparo/exparo-go"
	"github.com/exparo/exparo-go/exparotest"
	"github.com/exparo/exparo-go/store"
	"github.com/exparo/exparo-go/types"
)

// Runs the SDK against the in-process simulator so the example works
// without a deployed backend. Point Config.Host at a real project and
// drop the simulator block to use it for real.
func main() {
	log.Println("🚀 Starting exparo-go example")

	backend := exparotest.NewServer("demo-api-key")
	defer backend.Close()
	backend.SetVariant(types.VariantResult{
		Experiment: types.Experiment{
			ID:     "exp-1",
			Key:    "checkout-redesign",
			Name:   "Checkout Redesign",
			Type:   types.TypeToggle,
			Status: types.StatusRunning,
		},
		Variant: types.Variant{
			ID:      "var-1",
			Key:     exparo.VariantEnabled,
			Payload: json.RawMessage(`{"cta":"Buy now"}`),
		},
	})

	kv, err := store.NewFile("/tmp/exparo-example.json")
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}

	client, err := exparo.New(exparo.Config{
		Host:   backend.URL(),
		APIKey: "demo-api-key",
	}, exparo.WithStore(kv))
	if err != nil {
		log.Fatalf("❌ Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Identify once; repeat calls return the stored identity without a
	// network round trip.
	user, err := client.InitializeUser(ctx, &types.User{Email: "demo@example.com"})
	if err != nil {
		log.Fatalf("❌ Failed to initialize user: %v", err)
	}
	log.Printf("✅ Identified user %s (device %s)", user.ID, user.DeviceID)

	// Bind gives a synchronous snapshot plus change notifications.
	binding := client.Bind("checkout-redesign", exparo.BindingOptions{})
	defer binding.Close()

	stop := binding.OnUpdate(func(snap exparo.Snapshot) {
		log.Printf("🔄 Update: variant=%s enabled=%v running=%v",
			snap.Variant.Key, snap.IsEnabled(), snap.IsRunning())
	})
	defer stop()

	// Give the initial background fetch a moment to land.
	time.Sleep(500 * time.Millisecond)

	snap := binding.Snapshot()
	if snap.Err != nil {
		log.Fatalf("❌ Variant resolution failed: %v", snap.Err)
	}
	log.Printf("🧪 checkout-redesign: variant=%s payload=%s",
		snap.Variant.Key, string(snap.Payload()))

	// Simulate an operator flipping the toggle; the change arrives over
	// the websocket channel and replaces the snapshot.
	backend.SetVariant(types.VariantResult{
		Experiment: types.Experiment{
			ID:     "exp-1",
			Key:    "checkout-redesign",
			Name:   "Checkout Redesign",
			Type:   types.TypeToggle,
			Status: types.StatusRunning,
		},
		Variant: types.Variant{ID: "var-2", Key: exparo.VariantDisabled},
	})
	backend.Push("checkout-redesign", types.UpdateExperimentUpdated)

	time.Sleep(500 * time.Millisecond)
	snap = binding.Snapshot()
	log.Printf("🏁 Final state: variant=%s disabled=%v", snap.Variant.Key, snap.IsDisabled())
}
