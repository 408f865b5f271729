package main

import (
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// exportJourneysHandler streams the journey list (same filters as the JSON
// list endpoint) as an XLSX workbook for back-office review. Ghost journeys
// keep their tag so reviewers can spot synthetic rows at a glance.
func exportJourneysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.JourneyFilter{
			VehicleId:  intQuery(c, "vehicle_id"),
			OperatorId: intQuery(c, "operator_id"),
		}
		limit := intQuery(c, "limit")
		if limit <= 0 || limit > 5000 {
			limit = 1000
		}
		journeys, err := models.PaginateJourneys(c.Request.Context(), filter, limit, intQuery(c, "offset"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		f := excelize.NewFile()
		sheet := "Journeys"
		index, err := f.NewSheet(sheet)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		f.SetActiveSheet(index)
		_ = f.DeleteSheet("Sheet1")

		headers := []string{"ID", "VehicleId", "OperatorId", "StartTime", "EndTime", "StartKm", "EndKm", "DistanceKm", "GhostTag", "Notes"}
		for i, h := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheet, cell, h)
		}

		for i, j := range journeys {
			row := i + 2
			f.SetCellValue(sheet, "A"+fmt.Sprint(row), j.ID)
			f.SetCellValue(sheet, "B"+fmt.Sprint(row), j.VehicleId)
			f.SetCellValue(sheet, "C"+fmt.Sprint(row), j.OperatorId)
			f.SetCellValue(sheet, "D"+fmt.Sprint(row), j.StartTime.UTC().Format("2006-01-02 15:04:05"))
			if j.EndTime != nil {
				f.SetCellValue(sheet, "E"+fmt.Sprint(row), j.EndTime.UTC().Format("2006-01-02 15:04:05"))
			}
			f.SetCellValue(sheet, "F"+fmt.Sprint(row), j.StartKm)
			if j.EndKm != nil {
				f.SetCellValue(sheet, "G"+fmt.Sprint(row), *j.EndKm)
				f.SetCellValue(sheet, "H"+fmt.Sprint(row), *j.EndKm-j.StartKm)
			}
			if j.GhostTag != nil {
				f.SetCellValue(sheet, "I"+fmt.Sprint(row), string(*j.GhostTag))
			}
			f.SetCellValue(sheet, "J"+fmt.Sprint(row), j.Notes)
		}

		filename := "journeys-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}
