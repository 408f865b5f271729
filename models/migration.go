package models

import (
	"log"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{},
		&User{},
		&Vehicle{},
		&Journey{},
		&MileageRecord{},
		&FuelUp{},
		&MaintenanceOrder{},
		&TrainingRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
