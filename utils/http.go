// utils/http.go - JSON response envelope for fiber handlers
package utils

import (
	"github.com/gofiber/fiber/v2"
)

// JSON sends a JSON response
func JSON(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(data)
}

// JSONError sends a JSON error response
func JSONError(c *fiber.Ctx, status int, message string) error {
	return JSON(c, status, fiber.Map{
		"success": false,
		"error":   message,
	})
}

// JSONSuccess sends a JSON success response
func JSONSuccess(c *fiber.Ctx, data interface{}) error {
	response := fiber.Map{
		"success": true,
	}

	// Merge data into response
	if dataMap, ok := data.(fiber.Map); ok {
		for k, v := range dataMap {
			response[k] = v
		}
	} else if data != nil {
		response["data"] = data
	}

	return JSON(c, fiber.StatusOK, response)
}

// ParseJSON parses the JSON request body, treating an empty body as {}
func ParseJSON(c *fiber.Ctx, v interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return c.BodyParser(v)
}
