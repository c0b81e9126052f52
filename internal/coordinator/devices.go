package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"discosat/pkg/model"
	"discosat/pkg/store"
)

// 传感器文档字段
const (
	fieldSensorName = "sensor_name"
	fieldJobs       = "jobs"
	fieldTelemetry  = "status"
)

// DeviceStore 管理传感器文档：身份、待执行队列、最近一次遥测
type DeviceStore struct {
	coll   store.Collection
	engine *Engine
}

// Register 注册新传感器，队列为空，遥测为默认值
func (d *DeviceStore) Register(ctx context.Context, name string) (string, error) {
	if !model.ValidName(name) {
		return "", validationError(entitySensor, name, "name uses disallowed characters")
	}

	doc, err := store.Encode(model.Sensor{
		Name:   name,
		Jobs:   []string{},
		Status: model.DefaultTelemetry(),
	})
	if err != nil {
		return "", err
	}
	delete(doc, store.IDField)

	id, err := d.coll.InsertOne(ctx, doc)
	if errors.Is(err, store.ErrDuplicate) {
		return "", conflictError(entitySensor, name)
	}
	if err != nil {
		return "", fmt.Errorf("insert sensor %s: %w", name, err)
	}

	log.Printf("[Coordinator] Registered sensor %s (%s)", name, id)
	return id, nil
}

// Remove 删除传感器，并把它从所有 pending 任务中移除
func (d *DeviceStore) Remove(ctx context.Context, name string) (string, error) {
	unlock, err := d.engine.locker.LockAll(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	doc, err := d.coll.DeleteOne(ctx, store.Filter{store.Eq(fieldSensorName, name)})
	if errors.Is(err, store.ErrNoDocument) {
		return "", notFoundError(entitySensor, name)
	}
	if err != nil {
		return "", fmt.Errorf("delete sensor %s: %w", name, err)
	}
	id, _ := doc[store.IDField].(string)

	if err := d.engine.stripSensor(ctx, name); err != nil {
		return id, err
	}

	log.Printf("[Coordinator] Removed sensor %s (%s)", name, id)
	return id, nil
}

// SetTelemetry 用上报的字段替换遥测快照，未上报的字段回到默认值。
// 任何一个字段非法整个调用失败，不会部分写入。
func (d *DeviceStore) SetTelemetry(ctx context.Context, name string, fields map[string]string) error {
	if !model.ValidName(name) {
		return validationError(entitySensor, name, "invalid sensor name")
	}
	if _, err := d.GetByName(ctx, name); err != nil {
		return err
	}

	t, err := buildTelemetry(fields)
	if err != nil {
		return validationError(entitySensor, name, "%v", err)
	}

	res, err := d.coll.UpdateOne(ctx,
		store.Filter{store.Eq(fieldSensorName, name)},
		store.Update{store.Set(store.P(fieldTelemetry), t)})
	if err != nil {
		return fmt.Errorf("write telemetry of %s: %w", name, err)
	}
	if res.Matched == 0 {
		return notFoundError(entitySensor, name)
	}
	return nil
}

func buildTelemetry(fields map[string]string) (model.Telemetry, error) {
	t := model.DefaultTelemetry()
	for key, value := range fields {
		if !model.ValidName(key) || !model.ValidName(value) {
			return t, fmt.Errorf("invalid status-argument: %s:%s", key, value)
		}
		switch key {
		case "status_time":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return t, fmt.Errorf("invalid status-argument: %s:%s", key, value)
			}
			t.StatusTime = ts
		case "location_lat":
			t.LocationLat = value
		case "location_lon":
			t.LocationLon = value
		case "os_version":
			t.OSVersion = value
		case "temperature_celsius":
			t.TemperatureCelsius = value
		case "LTE":
			t.LTE = value
		case "WiFi":
			t.WiFi = value
		case "Ethernet":
			t.Ethernet = value
		default:
			return t, fmt.Errorf("invalid status-argument: %s:%s", key, value)
		}
	}
	return t, nil
}

// List 返回全部传感器
func (d *DeviceStore) List(ctx context.Context) ([]model.Sensor, error) {
	docs, err := d.coll.FindMany(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]model.Sensor, 0, len(docs))
	for _, doc := range docs {
		s, err := decodeSensor(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Get 按 id 读取
func (d *DeviceStore) Get(ctx context.Context, id string) (model.Sensor, error) {
	return d.findOne(ctx, store.Filter{store.Eq(store.IDField, id)}, id)
}

// GetByName 按名称读取
func (d *DeviceStore) GetByName(ctx context.Context, name string) (model.Sensor, error) {
	return d.findOne(ctx, store.Filter{store.Eq(fieldSensorName, name)}, name)
}

func (d *DeviceStore) findOne(ctx context.Context, f store.Filter, ref string) (model.Sensor, error) {
	doc, err := d.coll.FindOne(ctx, f)
	if errors.Is(err, store.ErrNoDocument) {
		return model.Sensor{}, notFoundError(entitySensor, ref)
	}
	if err != nil {
		return model.Sensor{}, err
	}
	return decodeSensor(doc)
}

func (d *DeviceStore) Exists(ctx context.Context, name string) (bool, error) {
	return d.exists(ctx, store.Filter{store.Eq(fieldSensorName, name)})
}

func (d *DeviceStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	return d.exists(ctx, store.Filter{store.Eq(store.IDField, id)})
}

func (d *DeviceStore) exists(ctx context.Context, f store.Filter) (bool, error) {
	_, err := d.coll.FindOne(ctx, f)
	if errors.Is(err, store.ErrNoDocument) {
		return false, nil
	}
	return err == nil, err
}

// Locations 地图用：有坐标的传感器按在线/离线分组，坐标保留两位小数
func (d *DeviceStore) Locations(ctx context.Context) (online, offline []model.Location, err error) {
	sensors, err := d.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := d.engine.now()
	online, offline = []model.Location{}, []model.Location{}

	for _, s := range sensors {
		if s.Status.LocationLat == "" || s.Status.LocationLon == "" {
			continue
		}
		lat, errLat := strconv.ParseFloat(s.Status.LocationLat, 64)
		lon, errLon := strconv.ParseFloat(s.Status.LocationLon, 64)
		if errLat != nil || errLon != nil {
			log.Printf("[Coordinator] Sensor %s has malformed location %s,%s", s.Name, s.Status.LocationLat, s.Status.LocationLon)
			continue
		}
		loc := model.Location{Lat: round2(lat), Lon: round2(lon)}
		if now.Sub(time.Unix(s.Status.StatusTime, 0)) < d.engine.onlineWindow {
			online = append(online, loc)
		} else {
			offline = append(offline, loc)
		}
	}
	return online, offline, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// setQueue 整体替换队列
func (d *DeviceStore) setQueue(ctx context.Context, name string, jobs []string) error {
	_, err := d.coll.UpdateOne(ctx,
		store.Filter{store.Eq(fieldSensorName, name)},
		store.Update{store.Set(store.P(fieldJobs), jobs)})
	if err != nil {
		return fmt.Errorf("set queue of %s: %w", name, err)
	}
	return nil
}

// pullJob 从所有传感器的队列里移除任务
func (d *DeviceStore) pullJob(ctx context.Context, jobName string) error {
	_, err := d.coll.UpdateMany(ctx,
		store.Filter{store.Has(fieldJobs, jobName)},
		store.Update{store.Pull(store.P(fieldJobs), jobName)})
	if err != nil {
		return fmt.Errorf("pull %s from sensor queues: %w", jobName, err)
	}
	return nil
}

func decodeSensor(doc store.Doc) (model.Sensor, error) {
	var s model.Sensor
	if err := store.Decode(doc, &s); err != nil {
		return s, err
	}
	if s.Jobs == nil {
		s.Jobs = []string{}
	}
	return s, nil
}
