package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"discosat/internal/agent"
	"discosat/pkg/model"
)

const usage = `usage: fleetctl [--addr URL] [--timeout D] <command> [args]

commands:
  sensors                        list sensors
  register <sensor>              register a sensor
  jobs                           list fixed jobs
  create [flags]                 create a fixed job (see fleetctl create --help)
  assign <sensor> <job>...       replace the queue of a sensor
  pending <sensor>               pending jobs of a sensor
  report <job> <sensor> <state>  report a sensor's state on a job
  bench [-n N]                   create N jobs concurrently
`

func main() {
	flagSet := pflag.NewFlagSet("fleetctl", pflag.ContinueOnError)
	// 子命令之后的参数交给子命令解析
	flagSet.SetInterspersed(false)
	addr := flagSet.StringP("addr", "a", "http://localhost:8080", "coordinator base URL")
	timeout := flagSet.Duration("timeout", 5*time.Second, "request timeout")
	flagSet.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		os.Exit(2)
	}
	client := agent.NewHTTPClient(*addr, *timeout)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "sensors":
		err = listSensors(ctx, client)
	case "register":
		err = needArgs(args, 2, func() error { return client.Register(ctx, args[1]) })
	case "jobs":
		err = listJobs(ctx, client)
	case "create":
		err = createJob(ctx, client, args[1:])
	case "assign":
		err = needArgs(args, 3, func() error { return client.AssignJobs(ctx, args[1], args[2:]) })
	case "pending":
		err = needArgs(args, 2, func() error { return pending(ctx, client, args[1]) })
	case "report":
		err = needArgs(args, 4, func() error { return client.ReportState(ctx, args[1], args[2], args[3]) })
	case "bench":
		err = bench(ctx, client, args[1:])
	default:
		flagSet.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("❌ %s: %v", args[0], err)
	}
}

func needArgs(args []string, n int, fn func() error) error {
	if len(args) < n {
		return fmt.Errorf("expected at least %d arguments", n-1)
	}
	return fn()
}

func listSensors(ctx context.Context, c *agent.HTTPClient) error {
	sensors, err := c.ListSensors(ctx)
	if err != nil {
		return err
	}
	for _, s := range sensors {
		last := "never"
		if s.Status.StatusTime > 0 {
			last = time.Unix(s.Status.StatusTime, 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-20s last=%s LTE=%s WiFi=%s Ethernet=%s jobs=[%s]\n",
			s.Name, last, s.Status.LTE, s.Status.WiFi, s.Status.Ethernet, strings.Join(s.Jobs, ","))
	}
	return nil
}

func listJobs(ctx context.Context, c *agent.HTTPClient) error {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		printJob(j)
	}
	return nil
}

func pending(ctx context.Context, c *agent.HTTPClient, sensor string) error {
	jobs, err := c.PendingJobs(ctx, sensor)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		printJob(j)
	}
	return nil
}

func printJob(j model.FixedJob) {
	fmt.Printf("%-24s %-8s start=%s sensors=%d\n",
		j.Name, j.Status, time.Unix(j.StartTime, 0).UTC().Format(time.RFC3339), len(j.Sensors))
	for sensor, st := range j.States {
		fmt.Printf("    %-20s %s\n", sensor, st)
	}
}

func createJob(ctx context.Context, c *agent.HTTPClient, args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ExitOnError)
	name := fs.StringP("name", "n", "", "job name")
	in := fs.Duration("in", time.Minute, "start after this delay")
	duration := fs.Duration("duration", time.Minute, "job duration")
	command := fs.StringP("command", "c", "", "command for the sensors")
	jobArgs := fs.StringToString("arg", map[string]string{}, "job arguments key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	start := time.Now().Add(*in).Unix()
	job, err := c.CreateJob(ctx, model.JobSpec{
		Name:      *name,
		StartTime: start,
		EndTime:   start + int64(duration.Seconds()),
		Command:   *command,
		Arguments: *jobArgs,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Job created! ID: %s\n", job.ID)
	return nil
}

// bench 并发创建任务，测试 coordinator 的写入吞吐
func bench(ctx context.Context, c *agent.HTTPClient, args []string) error {
	fs := pflag.NewFlagSet("bench", pflag.ExitOnError)
	n := fs.IntP("count", "n", 100, "number of jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Printf("🚀 Starting submission: %d jobs...\n", *n)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	start := time.Now()
	// 限制同时只有 50 个请求
	sem := make(chan struct{}, 50)

	for i := 0; i < *n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(id int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			begin := time.Now().Add(time.Hour).Unix()
			_, err := c.CreateJob(ctx, model.JobSpec{
				Name:      fmt.Sprintf("bench-%d-%d", start.UnixNano(), id),
				StartTime: begin,
				EndTime:   begin + 60,
				Command:   "noop",
			})
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				fmt.Printf("❌ Failed to submit job %d: %v\n", id, err)
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("\n✅ Bench finished!\n")
	fmt.Printf("   Total Jobs: %d (failed %d)\n", *n, failed)
	fmt.Printf("   Total Time: %v\n", elapsed)
	fmt.Printf("   Submission QPS: %.2f\n", float64(*n)/elapsed.Seconds())
	return nil
}
